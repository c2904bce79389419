package gatecell

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the gatecell server address.
// If not set, defaults to the GATECELL_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the admin API key sent as a bearer token. Check
// endpoints do not require it; admin endpoints do when the server has an
// admin key configured.
// If not set, defaults to the GATECELL_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithFailMode sets the fail mode when the server is unreachable.
// Valid values are "open" (allow on failure) and "closed" (error on failure).
// If not set, defaults to the GATECELL_FAIL_MODE environment variable or "open".
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout.
// If not set, defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTenant sets the default tenant for check requests.
// This is used when the CheckRequest does not specify a Tenant.
func WithTenant(tenant string) Option {
	return func(c *Client) {
		c.tenant = tenant
	}
}
