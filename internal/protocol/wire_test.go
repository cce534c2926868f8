package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	req := Request{
		Flags: Flags{
			Compiler: Compiler{Path: "clang", Version: "3.4"},
			Input:    "a.cc",
			Output:   "a.o",
			Other:    []string{"-cc1", "-emit-obj"},
			Action:   ActionCompile,
		},
		Source: NewSource([]byte("int main(){return 0;}\n")),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))

	require.Equal(t, req.Flags, got.Flags)
	require.Equal(t, req.Source.Bytes, got.Source.Bytes)
	require.True(t, got.Source.VerifyIntegrity())
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var got Request
	require.Error(t, ReadFrame(&buf, &got))
}

func TestCacheableSortsOtherBucket(t *testing.T) {
	f := Flags{Other: []string{"-target-cpu", "-cc1", "-emit-obj"}}
	require.Equal(t, []string{"-cc1", "-emit-obj", "-target-cpu"}, f.Cacheable())
}

func TestEligibleForCache(t *testing.T) {
	require.True(t, Flags{Action: ActionCompile, Input: "a.cc"}.EligibleForCache())
	require.False(t, Flags{Action: ActionCompile}.EligibleForCache())
	require.False(t, Flags{Action: ActionPreprocess, Input: "a.cc"}.EligibleForCache())
	require.False(t, Flags{Action: ActionUnknown, Input: "a.cc"}.EligibleForCache())
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	src := NewSource([]byte("hello"))
	src.Bytes[0] ^= 0xFF
	require.False(t, src.VerifyIntegrity())
}
