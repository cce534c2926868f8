package dispatcher

import (
	"bytes"
	"io"

	"github.com/dreamer-dead/dist-clang/internal/build"
	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// state names the Dispatcher's position in the spec.md §4.4 state
// machine. Tracked on Request mainly for tests and logging; the control
// flow itself lives in Dispatcher.Dispatch's call chain, not a switch
// over state.
type state int

const (
	stateNew state = iota
	stateParsed
	stateFingerprinted
	stateLookup
	stateWait
	stateBuild
	stateStore
	stateServe
	stateDone
)

// RequestSource is the preprocessed translation unit bytes, held
// in-memory so Fingerprint can stream over them and, if the request
// ends up going to a remote builder, the same bytes are reused for the
// wire Source message.
type RequestSource struct {
	bytes []byte
}

// NewSource wraps preprocessed source bytes for use in a Request.
func NewSource(b []byte) *RequestSource { return &RequestSource{bytes: b} }

// Reader returns a fresh reader over the source bytes, since Fingerprint
// consumes it as a stream and a build Runner consumes it separately.
func (s *RequestSource) Reader() io.Reader { return bytes.NewReader(s.bytes) }

// Request is a single compilation request entering the Dispatcher, born
// from a parsed protocol.Flags (spec.md §3 "Request").
type Request struct {
	Flags       protocol.Flags
	Source      *RequestSource
	Fingerprint fingerprint.Digest128

	state state
}

// NewRequest constructs a Request from a classified flag set and its
// preprocessed source, if any (absent for link-only or query
// invocations, per spec.md §4.4).
func NewRequest(flags protocol.Flags, source *RequestSource) *Request {
	return &Request{Flags: flags, Source: source, state: stateNew}
}

func (r *Request) buildInput() build.Input {
	in := build.Input{Flags: r.Flags}
	if r.Source != nil {
		in.Source = r.Source.bytes
	}
	return in
}
