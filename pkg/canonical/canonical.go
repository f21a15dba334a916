// Package canonical serializes values to RFC 8785 canonical JSON and hashes them.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"costops/pkg/errors"
)

// Marshal encodes v as JSON and rewrites it into its canonical form:
// sorted object keys, no insignificant whitespace, ES6 number formatting.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical: marshal")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, "canonical: transform")
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 of already-canonical bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
