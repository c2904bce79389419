package cel

import (
	"net"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/gatecell/gatecell/internal/domain/rule"
)

// NewRequestEnvironment creates a CEL environment for admission rule
// expressions. It includes:
//   - Request variables: tenant, resource, method, ip, attrs, request_time
//   - Custom functions: glob, ip_in_cidr
//
// Match expressions must evaluate to bool; key expressions must evaluate
// to string.
func NewRequestEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Standard extensions
		ext.Strings(),
		ext.Sets(),

		// === Request variables ===
		cel.Variable("tenant", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_time", cel.TimestampType),

		// === Custom functions ===

		// glob: glob pattern matching for resources and tenants.
		// Usage: glob("orders/*", resource)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: checks if an IP is within a CIDR range.
		// Usage: ip_in_cidr(ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr := ipVal.Value().(string)
					cidrStr := cidrVal.Value().(string)

					parsed := net.ParseIP(ipStr)
					if parsed == nil {
						return types.Bool(false)
					}

					_, network, err := net.ParseCIDR(cidrStr)
					if err != nil {
						return types.Bool(false)
					}

					return types.Bool(network.Contains(parsed))
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from a CheckContext.
// Nil attribute maps and zero request times are normalized so expressions
// never see missing variables.
func BuildActivation(checkCtx rule.CheckContext) map[string]any {
	attrs := checkCtx.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	requestTime := checkCtx.RequestTime
	if requestTime.IsZero() {
		requestTime = time.Now().UTC()
	}

	return map[string]any{
		"tenant":       checkCtx.Tenant,
		"resource":     checkCtx.Resource,
		"method":       checkCtx.Method,
		"ip":           checkCtx.IP,
		"attrs":        attrs,
		"request_time": requestTime,
	}
}
