package build

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"os/exec"

	"go.chromium.org/luci/common/errors"

	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// Local runs the compiler as a subprocess on this machine.
//
// The compiler driver command-line parser and the OS-level file
// reader/writer are external collaborators (spec.md §1); Local only
// needs to reassemble an argv from the already-classified Flags and
// manage the one temp file the compiler itself requires for its object
// output. Temp file acquisition/release is scoped exactly like the
// teacher's nukeTmpFile/nukeStagingDir pattern in cache.go: created,
// guaranteed removed on every exit path via defer.
type Local struct{}

var _ Runner = Local{}

func (Local) Run(ctx context.Context, in Input) (Output, error) {
	objFile, err := ioutil.TempFile("", "distclang_obj_*.o")
	if err != nil {
		return Output{}, errors.Annotate(err, "create temp object file").Err()
	}
	objPath := objFile.Name()
	objFile.Close()
	defer os.Remove(objPath)

	argv := assembleArgv(in.Flags, objPath)
	cmd := exec.CommandContext(ctx, in.Flags.Compiler.Path, argv...)
	cmd.Stdin = bytes.NewReader(in.Source)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return Output{Stderr: stderr.String()}, errs.Cancelled.Apply(ctx.Err())
		}
		return Output{Stderr: stderr.String()}, errs.BuildFailed.Apply(
			errors.Annotate(runErr, "local compile of %s failed", in.Flags.Input).Err())
	}

	obj, err := ioutil.ReadFile(objPath)
	if err != nil {
		return Output{Stderr: stderr.String()}, errors.Annotate(err, "read compiled object").Err()
	}
	return Output{Artifact: obj, Stderr: stderr.String()}, nil
}

// assembleArgv rebuilds a compiler invocation from the classified flag
// set: cacheable "other" flags first, then non-cacheable flags (paths,
// debug-compilation-dir, and friends never affect the fingerprint but
// the compiler may still need them to behave correctly), then a fixed
// output path pointing at our managed temp file. The preprocessed
// source is piped over stdin rather than passed as a path, so the
// invocation never depends on the original source location.
func assembleArgv(f protocol.Flags, objPath string) []string {
	argv := make([]string, 0, len(f.Other)+len(f.NonCached)+2)
	argv = append(argv, f.Cacheable()...)
	argv = append(argv, f.NonCached...)
	argv = append(argv, "-o", objPath)
	return argv
}
