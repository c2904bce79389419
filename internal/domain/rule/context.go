package rule

import "time"

// CheckContext carries the request attributes that Match and KeyBy
// expressions evaluate against.
type CheckContext struct {
	// Tenant identifies the calling tenant or account.
	Tenant string
	// Resource names the resource or endpoint being accessed.
	Resource string
	// Method is the operation verb (e.g. "GET", "publish").
	Method string
	// IP is the client IP address, when known.
	IP string
	// Attrs holds arbitrary request attributes for expression use.
	Attrs map[string]any
	// RequestTime is when the request arrived (UTC).
	RequestTime time.Time
}

// DefaultKey derives the limit key used when a rule has no KeyBy expression.
func (c CheckContext) DefaultKey() string {
	return c.Tenant + ":" + c.Resource
}
