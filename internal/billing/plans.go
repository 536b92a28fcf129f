// Package billing maps workspace plans to the entitlements the ingestion
// path needs. Payment handling lives outside this service.
package billing

// Retention in days for mirrored analytic data, per plan.
const (
	defaultRetentionDays    = 30
	freeRetentionDays       = 14
	teamRetentionDays       = 90
	enterpriseRetentionDays = 365
)

var planRetention = map[string]int{
	"free":       freeRetentionDays,
	"team":       teamRetentionDays,
	"enterprise": enterpriseRetentionDays,
}

// RetentionDays returns the analytic retention horizon for a plan. Unknown
// or empty plans fall back to the default so a misconfigured workspace never
// gets unbounded retention.
func RetentionDays(plan string) int {
	if days, ok := planRetention[plan]; ok {
		return days
	}
	return defaultRetentionDays
}
