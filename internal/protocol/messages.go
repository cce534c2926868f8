// Package protocol defines the wire messages exchanged between a client
// compiler driver, this daemon, and a remote builder, plus the
// classified flag set the Dispatcher and Fingerprint operate on.
//
// The wire codec and transport are externalized by spec.md §1 ("network
// transport and wire codec ... only their contracts are named"); this
// package supplies the message structs and a thin msgpack-based
// encode/decode so the rest of the module has something concrete to
// build against, without taking on protocol negotiation or versioning.
package protocol

// Action classifies what the client asked the compiler driver to do.
type Action string

const (
	ActionCompile   Action = "COMPILE"
	ActionPreprocess Action = "PREPROCESS"
	ActionUnknown   Action = "UNKNOWN"
)

// Compiler names the compiler binary invoked by the client.
type Compiler struct {
	Path    string `msgpack:"path"`
	Version string `msgpack:"version"`
}

// Flags is the classified flag set produced by the external compiler
// driver parser. Other is the "other" (semantically cacheable) bucket;
// NonCached lists flags excluded from fingerprinting by spec.md §3
// (paths, coverage file names, debug-compilation-dir, resource-dir,
// internal include paths, -main-file-name).
type Flags struct {
	Compiler  Compiler `msgpack:"compiler"`
	Input     string   `msgpack:"input"`
	Output    string   `msgpack:"output"`
	Language  string   `msgpack:"language"`
	Other     []string `msgpack:"other"`
	NonCached []string `msgpack:"non_cached"`
	Action    Action   `msgpack:"action"`
}

// Source carries the preprocessed translation unit, present only on
// remote dispatch. Integrity is an independent transport-level digest
// of Bytes (not the compilation Fingerprint), letting a remote builder
// detect corruption in transit before attempting a build.
type Source struct {
	Bytes     []byte `msgpack:"bytes"`
	Integrity string `msgpack:"integrity"`
}

// Status enumerates the outcome of a dispatched build, per spec.md §6.
type Status string

const (
	StatusOK          Status = "OK"
	StatusBuildFailed Status = "BUILD_FAILED"
	StatusInternal    Status = "INTERNAL"
)

// Result is the response to a dispatched compilation.
type Result struct {
	Status   Status `msgpack:"status"`
	Artifact []byte `msgpack:"artifact,omitempty"`
	Stderr   string `msgpack:"stderr,omitempty"`
}

// Request is the full message a client sends: flags plus, for remote
// dispatch, the preprocessed source.
type Request struct {
	Flags  Flags   `msgpack:"flags"`
	Source *Source `msgpack:"source,omitempty"`
}
