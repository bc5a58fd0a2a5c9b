package taskstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash returns the SHA-256 of the file's canonical JSON encoding.
// encoding/json emits map keys sorted, so semantically equal files hash
// equal regardless of insertion order.
func ContentHash(f *File) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize task file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
