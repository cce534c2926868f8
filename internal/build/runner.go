// Package build implements the two build-execution strategies behind
// the Dispatcher's BUILD state (spec.md §4.4/§4.5): running the
// compiler locally, or forwarding the translation unit to a remote
// builder. Both satisfy the same Runner interface, the polymorphism
// spec.md §9 calls for ("model as two variant implementations of a
// single interface"), grounded on the CasClient interface-narrowing
// pattern in infra/chromium/bootstrapper/cas/cas.go.
package build

import (
	"context"

	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// Input is everything a Runner needs to execute one compilation.
type Input struct {
	Flags  protocol.Flags
	Source []byte // the preprocessed translation unit
}

// Output is the payload a successful build produces.
type Output struct {
	Artifact []byte
	Stderr   string
}

// Runner executes one compilation, locally or remotely. Errors are
// tagged with the kinds in internal/errs: BuildFailed for a non-zero
// compiler exit, RemoteUnavailable for transport/timeout failures,
// Cancelled if ctx ends a local build early. Remote does not use
// Cancelled: a remote attempt cut short by ctx is reported as
// RemoteUnavailable.
type Runner interface {
	Run(ctx context.Context, in Input) (Output, error)
}
