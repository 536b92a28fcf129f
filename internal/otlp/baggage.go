package otlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/konseki/internal/model"
)

// ErrUnprocessable marks a tenant-resolution failure caused by the span
// itself (missing or malformed baggage) rather than by storage.
var ErrUnprocessable = errors.New("otlp: unprocessable")

// TenantRepository is the slice of the storage layer tenant resolution
// needs. *storage.DB satisfies it.
type TenantRepository interface {
	GetWorkspace(ctx context.Context, id uuid.UUID) (model.Workspace, error)
	GetAPIKey(ctx context.Context, id uuid.UUID) (model.APIKey, error)
	FirstActiveAPIKey(ctx context.Context, workspaceID uuid.UUID) (model.APIKey, error)
}

// ResolveTenant determines which workspace and API key a span belongs to.
//
// Explicit caller-supplied ids win. Otherwise the span must carry the
// trusted internal baggage attribute, a JSON payload embedded by the
// originating SDK; a span with neither is unprocessable. The resolved
// workspace must exist and the key must belong to it; when no key id is
// available the workspace's first active key is used.
func ResolveTenant(
	ctx context.Context,
	repo TenantRepository,
	apiKeyID, workspaceID *uuid.UUID,
	attrs map[string]any,
) (model.APIKey, model.Workspace, error) {
	if workspaceID == nil {
		bag, err := decodeBaggage(attrs)
		if err != nil {
			return model.APIKey{}, model.Workspace{}, err
		}
		workspaceID = &bag.WorkspaceID
		if apiKeyID == nil {
			apiKeyID = bag.APIKeyID
		}
	}

	workspace, err := repo.GetWorkspace(ctx, *workspaceID)
	if err != nil {
		return model.APIKey{}, model.Workspace{}, fmt.Errorf("otlp: resolve workspace %s: %w", workspaceID, err)
	}

	var key model.APIKey
	if apiKeyID != nil {
		key, err = repo.GetAPIKey(ctx, *apiKeyID)
		if err != nil {
			return model.APIKey{}, model.Workspace{}, fmt.Errorf("otlp: resolve api key %s: %w", apiKeyID, err)
		}
		if key.WorkspaceID != workspace.ID {
			return model.APIKey{}, model.Workspace{}, fmt.Errorf("otlp: api key %s does not belong to workspace %s: %w",
				key.ID, workspace.ID, ErrUnprocessable)
		}
	} else {
		key, err = repo.FirstActiveAPIKey(ctx, workspace.ID)
		if err != nil {
			return model.APIKey{}, model.Workspace{}, fmt.Errorf("otlp: default api key for workspace %s: %w", workspace.ID, err)
		}
	}

	return key, workspace, nil
}

func decodeBaggage(attrs map[string]any) (model.Baggage, error) {
	raw := StringAttr(attrs, AttrInternalBaggage)
	if raw == "" {
		return model.Baggage{}, fmt.Errorf("otlp: no explicit tenant and no baggage attribute: %w", ErrUnprocessable)
	}
	var bag model.Baggage
	if err := json.Unmarshal([]byte(raw), &bag); err != nil {
		return model.Baggage{}, fmt.Errorf("otlp: malformed baggage attribute: %w", ErrUnprocessable)
	}
	if bag.WorkspaceID == uuid.Nil {
		return model.Baggage{}, fmt.Errorf("otlp: baggage missing workspace id: %w", ErrUnprocessable)
	}
	return bag, nil
}
