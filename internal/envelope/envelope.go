// Package envelope implements the signed payload codec used by the guard
// protocol. An envelope carries an opaque content blob plus an HMAC-SHA256
// signature over it; the codec performs no policy decisions beyond integrity.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIntegrity is returned when a decoded envelope's signature does not match
// the recomputed HMAC. Callers must treat the payload as forged and never
// fall back to cached copies of it.
var ErrIntegrity = errors.New("envelope: signature verification failed")

// envelopeWire is the transported form of a signed envelope.
type envelopeWire struct {
	Content   string `json:"content"`
	Signature string `json:"signature"`
}

// Encode signs content with secret and returns the base64-transported
// envelope. The content is not encrypted; the envelope's value is that it
// cannot be synthesized without the secret.
func Encode(content, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("envelope: empty signing secret")
	}

	wire := envelopeWire{
		Content:   base64.StdEncoding.EncodeToString(content),
		Signature: base64.StdEncoding.EncodeToString(sign(content, secret)),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal failed: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode verifies the envelope against secret and returns the original
// content. Any malformed structure or signature mismatch yields ErrIntegrity;
// the caller learns nothing about which byte differed.
func Decode(encoded string, secret []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrIntegrity
	}

	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, ErrIntegrity
	}

	content, err := base64.StdEncoding.DecodeString(wire.Content)
	if err != nil {
		return nil, ErrIntegrity
	}

	signature, err := base64.StdEncoding.DecodeString(wire.Signature)
	if err != nil {
		return nil, ErrIntegrity
	}

	// hmac.Equal is constant-time; a timing-sensitive comparison here would
	// leak signature prefixes to an attacker probing the decode path.
	if !hmac.Equal(signature, sign(content, secret)) {
		return nil, ErrIntegrity
	}

	return content, nil
}

// Open extracts the content of an envelope without verifying its signature.
// The signing secret is server-only, so clients can only apply envelopes,
// never authenticate them; a malformed envelope still fails here and must be
// treated as a fatal integrity failure by the caller.
func Open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrIntegrity
	}

	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, ErrIntegrity
	}

	content, err := base64.StdEncoding.DecodeString(wire.Content)
	if err != nil {
		return nil, ErrIntegrity
	}

	return content, nil
}

// sign computes HMAC-SHA256 over content.
func sign(content, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(content)
	return mac.Sum(nil)
}
