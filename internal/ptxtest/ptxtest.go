// Package ptxtest holds PTX fixtures shared by tests.
package ptxtest

import (
	_ "embed"
	"strings"
)

// AddK defines the entry add_k computing c[i] = a[i] + b[i] for i < n.
//
//go:embed add_k.ptx
var AddK string

// WithTarget returns AddK retargeted to the given architecture, e.g. "sm_90".
func WithTarget(arch string) string {
	return strings.Replace(AddK, ".target sm_52", ".target "+arch, 1)
}

// Renamed returns AddK with its entry point renamed.
func Renamed(name string) string {
	return strings.ReplaceAll(AddK, "add_k", name)
}

// Malformed is missing the .version and .target directives.
const Malformed = `
.visible .entry broken(
	.param .u32 broken_param_0
)
{
	ret;
}
`
