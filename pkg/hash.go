package pkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON encodes v compactly without HTML escaping.  Struct fields keep
// declaration order and map keys are sorted, so equal values encode to equal
// bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256Hex returns the hex sha256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashPacket computes the packet hash: the sha256 of the canonical encoding
// with the hash field itself empty.
func HashPacket(p *Packet) (string, error) {
	c := *p
	c.Stats.SHA256 = ""
	b, err := CanonicalJSON(&c)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}
