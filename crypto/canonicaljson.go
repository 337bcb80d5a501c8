package crypto

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON serializes obj the way Matrix's signing algorithm
// requires: object keys in lexicographic order, no insignificant
// whitespace, and no HTML-escaping of the output. encoding/json already
// sorts map[string]any keys when marshalling, so this only needs to
// turn off indentation and escaping.
func CanonicalJSON(obj map[string]any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; signing must be
	// over the exact canonical bytes with none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
