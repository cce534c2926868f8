package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	remotedigest "github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameBytes bounds a single framed message. A translation unit
// larger than this is rejected rather than read into memory unbounded.
const maxFrameBytes = 256 << 20 // 256 MiB

// WriteFrame encodes v with msgpack and writes it to w as a
// length-prefixed frame: a big-endian uint32 byte length followed by
// the payload. This is the "framed message over a stream transport"
// spec.md §6 names; the transport itself (accept loop, dialing,
// reconnection) is external to this package.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("protocol: frame of %d bytes exceeds limit of %d", len(payload), maxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return fmt.Errorf("protocol: incoming frame of %d bytes exceeds limit of %d", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("protocol: read frame payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("protocol: decode frame: %w", err)
	}
	return nil
}

// NewSource builds a Source message, stamping Integrity with a
// transport-level content digest independent of the compilation
// Fingerprint (see SPEC_FULL.md §6.1).
func NewSource(bytes []byte) *Source {
	d := remotedigest.NewFromBlob(bytes)
	return &Source{Bytes: bytes, Integrity: d.Hash}
}

// VerifyIntegrity reports whether s.Bytes still matches s.Integrity.
func (s *Source) VerifyIntegrity() bool {
	if s == nil {
		return true
	}
	return remotedigest.NewFromBlob(s.Bytes).Hash == s.Integrity
}
