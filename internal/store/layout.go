package store

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
)

const (
	objectsDirName = "objects"
	lockFileName   = "lock"
)

// objectPath returns the on-disk path for fp's artifact:
// <root>/objects/<first-2-hex>/<remaining-hex>, per spec.md §6.
func objectPath(root string, fp fingerprint.Digest128) string {
	return filepath.Join(root, objectsDirName, fp.ShardHex(), fp.RestHex())
}

func shardDir(root string, fp fingerprint.Digest128) string {
	return filepath.Join(root, objectsDirName, fp.ShardHex())
}

func lockPath(root string) string {
	return filepath.Join(root, lockFileName)
}

// restHexLen is the expected length of the "remaining hex" filename
// component: 16 bytes of digest minus the 1-byte shard prefix, times 2
// hex chars per byte.
const restHexLen = (16 - 1) * 2

// shardHexLen is the expected length of a shard directory name.
const shardHexLen = 2

// parseFingerprint reconstructs a Digest128 from its on-disk shard and
// filename components, the inverse of ShardHex/RestHex.
func parseFingerprint(shardHex, restHex string) (fingerprint.Digest128, error) {
	if len(shardHex) != shardHexLen || len(restHex) != restHexLen {
		return fingerprint.Digest128{}, fmt.Errorf("store: malformed fingerprint path %s/%s", shardHex, restHex)
	}
	raw, err := hex.DecodeString(shardHex + restHex)
	if err != nil {
		return fingerprint.Digest128{}, fmt.Errorf("store: malformed fingerprint path %s/%s: %w", shardHex, restHex, err)
	}
	var d fingerprint.Digest128
	copy(d[:], raw)
	return d, nil
}
