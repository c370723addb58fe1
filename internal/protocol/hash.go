package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash is the hex SHA-256 of deliverable content. String content is
// hashed as its UTF-8 bytes; any other value as its compact JSON encoding
// with object keys sorted and no HTML escaping.
func ContentHash(content any) (string, error) {
	var data []byte
	switch c := content.(type) {
	case string:
		data = []byte(c)
	case []byte:
		data = c
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(c); err != nil {
			return "", fmt.Errorf("encode content: %w", err)
		}
		data = bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
