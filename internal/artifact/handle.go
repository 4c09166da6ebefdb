package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Encode serializes s into an opaque, URL-safe handle a client can hold
// between the generate and export calls.
func Encode(s *State) (string, error) {
	if s == nil {
		return "", fmt.Errorf("encode artifact: nil state")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(snappy.Encode(nil, raw)), nil
}

// Decode reverses Encode. It only checks the envelope; field level
// validation happens in Unpack.
func Decode(handle string) (*State, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: empty handle", ErrMalformedState)
	}
	compressed, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var s State
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return &s, nil
}

// Digest returns a short content address for a handle, used to label job
// records and log lines without echoing the whole payload.
func Digest(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:8])
}
