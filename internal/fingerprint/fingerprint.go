// Package fingerprint derives the content-addressed identifier of a
// compilation from its cacheable inputs.
//
// A Digest128 depends only on the compiler identity, the sorted
// "semantically cacheable" flags, and the preprocessed source bytes.
// Output paths and non-cacheable flags (coverage file names, debug
// compilation dirs, internal include paths, -main-file-name, ...) never
// reach this package; the caller is responsible for stripping them
// first (see protocol.Flags.Cacheable).
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Digest128 is the fixed-width digest identifying a single compilation.
type Digest128 [16]byte

// String renders the digest as lowercase hex, matching the on-disk
// object path encoding (objects/<first-2-hex>/<remaining-hex>).
func (d Digest128) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (never produced by Sum,
// used as a sentinel for "not yet fingerprinted").
func (d Digest128) IsZero() bool {
	return d == Digest128{}
}

// ShardHex returns the first two hex characters of the digest, the
// directory shard prefix under the store root.
func (d Digest128) ShardHex() string {
	return hex.EncodeToString(d[:1])
}

// RestHex returns the remaining hex characters after the shard prefix.
func (d Digest128) RestHex() string {
	return hex.EncodeToString(d[1:])
}

// CompilerID names the compiler binary a compilation was run with.
// PathOrHash is either the resolved binary path or a content hash of it
// (the caller decides which is more stable in its environment);
// Version is the compiler's self-reported version string.
type CompilerID struct {
	PathOrHash string
	Version    string
}

// Sum computes the fingerprint of a compilation.
//
// cacheableFlags is the "other" bucket (spec.md §6); Sum hashes a sorted
// copy when they are not already in lexical order, so their order never
// affects the digest, and it does not filter them. source is read to
// completion; Sum streams it through the hash rather than buffering it,
// so arbitrarily large translation units are cheap to fingerprint.
func Sum(compiler CompilerID, cacheableFlags []string, source io.Reader) (Digest128, error) {
	if !sort.StringsAreSorted(cacheableFlags) {
		sorted := append([]string(nil), cacheableFlags...)
		sort.Strings(sorted)
		cacheableFlags = sorted
	}

	lo := xxhash.New()
	hi := xxhash.New()
	// Domain-separation prefixes so the two lanes diverge even though
	// they consume byte-identical input afterward.
	lo.WriteString("fp-lo")
	hi.WriteString("fp-hi")

	feed := func(b []byte) {
		lo.Write(b)
		hi.Write(b)
	}

	feed([]byte(compiler.PathOrHash))
	feed([]byte{0})
	feed([]byte(compiler.Version))
	feed([]byte{0})

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(cacheableFlags)))
	feed(lenBuf[:])
	for _, f := range cacheableFlags {
		feed([]byte(f))
		feed([]byte{0})
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := source.Read(buf)
		if n > 0 {
			feed(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest128{}, err
		}
	}

	var d Digest128
	binary.BigEndian.PutUint64(d[:8], lo.Sum64())
	binary.BigEndian.PutUint64(d[8:], hi.Sum64())
	return d, nil
}
