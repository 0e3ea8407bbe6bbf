// Package vagentid derives short, deterministic, non-cryptographic labels
// for virtual agent slots, so the same (node index, slot index) pair
// always produces the same label across reconciles.
package vagentid

import (
	"encoding/binary"
	"encoding/hex"
)

const scrambleKey = "MEGAPHONE"

// Scramble derives vagent_id = hex(repeat-key-xor(be32(nodeIdx) ∥
// be32(vagentIdx), key)). It is deterministic and stable across
// reconciles but must never be used for anything security-sensitive.
func Scramble(nodeIdx, vagentIdx uint32) string {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], nodeIdx)
	binary.BigEndian.PutUint32(buf[4:8], vagentIdx)

	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = b ^ scrambleKey[i%len(scrambleKey)]
	}

	return hex.EncodeToString(out)
}
