// Package channelid implements the ChannelFullID grammar:
// "{agent}.{channel_segment}.{features_hex}". It derives short-IDs,
// mints random consumer segments, and encodes/decodes the feature
// bitset carried in the final dot-separated part.
package channelid

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/d71dev/megaphone/pkg/types"
)

// ShortIDSize is the byte length of a channel short-ID (128-bit MD5).
const ShortIDSize = 16

// ConsumerSegmentLen is the length of the plaintext consumer channel_segment.
const ConsumerSegmentLen = 50

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// RandomToken returns a fresh random base62 string of length n.
func RandomToken(n int) (string, error) {
	alphabetLen := big.NewInt(int64(len(base62Alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("channelid: generate random token: %w", err)
		}
		buf[i] = base62Alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// RandomConsumerSegment returns a fresh 50-char random base62 string
// suitable for use as a consumer-side channel_segment.
func RandomConsumerSegment() (string, error) {
	return RandomToken(ConsumerSegmentLen)
}

// ShortID derives the 128-bit MD5 short-ID of a plaintext consumer
// channel_segment. It is the in-memory channel map key.
func ShortID(segment string) [ShortIDSize]byte {
	return md5.Sum([]byte(segment))
}

// EncodeFeatures hex-encodes a feature bitset big-endian, with leading
// zero bytes stripped (an all-zero set encodes as "0").
func EncodeFeatures(f types.FeatureSet) string {
	var buf [4]byte
	buf[0] = byte(f >> 24)
	buf[1] = byte(f >> 16)
	buf[2] = byte(f >> 8)
	buf[3] = byte(f)

	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	if i == 3 && buf[3] == 0 {
		return "0"
	}
	return hex.EncodeToString(buf[i:])
}

// DecodeFeatures parses a features_hex segment. It accepts odd-length
// hex by treating it as left-padded with one zero nibble.
func DecodeFeatures(s string) (types.FeatureSet, error) {
	if s == "" {
		return 0, fmt.Errorf("channelid: empty features_hex")
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("channelid: malformed features_hex %q: %w", s, err)
	}
	if len(b) > 4 {
		return 0, fmt.Errorf("channelid: features_hex %q overflows 32 bits", s)
	}
	var v uint32
	for _, by := range b {
		v = v<<8 | uint32(by)
	}
	return types.FeatureSet(v), nil
}

// FullID is a parsed ChannelFullID.
type FullID struct {
	Agent    string
	Segment  string
	Features types.FeatureSet
}

// IsProducerForm reports whether Segment is the sealed producer form
// rather than the 50-char plaintext consumer channel_segment.
func (f FullID) IsProducerForm() bool {
	return len(f.Segment) != ConsumerSegmentLen
}

// String reassembles the ChannelFullID.
func (f FullID) String() string {
	return Build(f.Agent, f.Segment, f.Features)
}

// Parse splits a ChannelFullID into agent, channel_segment, and
// features_hex, decoding the feature bitset.
func Parse(fullID string) (FullID, error) {
	parts := strings.SplitN(fullID, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return FullID{}, fmt.Errorf("channelid: malformed full id %q", fullID)
	}
	features, err := DecodeFeatures(parts[2])
	if err != nil {
		return FullID{}, err
	}
	return FullID{Agent: parts[0], Segment: parts[1], Features: features}, nil
}

// Build constructs a ChannelFullID string from its parts.
func Build(agent, segment string, features types.FeatureSet) string {
	return agent + "." + segment + "." + EncodeFeatures(features)
}
