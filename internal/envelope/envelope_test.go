package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		content []byte
	}{
		{name: "css unlock rule", content: []byte(`#app{display:block !important;visibility:visible;opacity:1}`)},
		{name: "empty content", content: []byte{}},
		{name: "binary content", content: []byte{0x00, 0xff, 0x10, 0x80, 0x7f}},
		{name: "unicode content", content: []byte("مرخّص — licensed")},
	}

	secret := []byte("test-signing-secret")

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.content, secret)
			require.NoError(t, err)
			require.NotEmpty(t, encoded)

			decoded, err := Decode(encoded, secret)
			require.NoError(t, err)
			assert.Equal(t, tc.content, decoded)
		})
	}
}

func TestEncodeEmptySecret(t *testing.T) {
	_, err := Encode([]byte("content"), nil)
	assert.Error(t, err)
}

func TestDecodeWrongSecret(t *testing.T) {
	encoded, err := Encode([]byte("unlock content"), []byte("secret-one"))
	require.NoError(t, err)

	_, err = Decode(encoded, []byte("secret-two"))
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDecodeGarbage(t *testing.T) {
	testCases := []struct {
		name    string
		encoded string
	}{
		{name: "not base64", encoded: "!!!not-base64!!!"},
		{name: "base64 but not json", encoded: base64.StdEncoding.EncodeToString([]byte("plain text"))},
		{name: "empty string", encoded: ""},
		{name: "json with bad fields", encoded: base64.StdEncoding.EncodeToString([]byte(`{"content":"***","signature":"***"}`))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.encoded, []byte("secret"))
			assert.ErrorIs(t, err, ErrIntegrity)
		})
	}
}

// TestDecodeBitFlips verifies that flipping any single bit of the signature
// or the content always fails verification.
func TestDecodeBitFlips(t *testing.T) {
	secret := []byte("bit-flip-secret")
	content := []byte("the quick brown fox")

	encoded, err := Encode(content, secret)
	require.NoError(t, err)

	outer, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var wire struct {
		Content   string `json:"content"`
		Signature string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(outer, &wire))

	flip := func(t *testing.T, field string) []byte {
		raw, err := base64.StdEncoding.DecodeString(field)
		require.NoError(t, err)
		return raw
	}

	t.Run("signature bits", func(t *testing.T) {
		sig := flip(t, wire.Signature)
		for i := 0; i < len(sig)*8; i++ {
			mutated := make([]byte, len(sig))
			copy(mutated, sig)
			mutated[i/8] ^= 1 << (i % 8)

			tampered := wire
			tampered.Signature = base64.StdEncoding.EncodeToString(mutated)
			data, err := json.Marshal(tampered)
			require.NoError(t, err)

			_, err = Decode(base64.StdEncoding.EncodeToString(data), secret)
			assert.ErrorIs(t, err, ErrIntegrity, "bit %d", i)
		}
	})

	t.Run("content bits", func(t *testing.T) {
		body := flip(t, wire.Content)
		for i := 0; i < len(body)*8; i++ {
			mutated := make([]byte, len(body))
			copy(mutated, body)
			mutated[i/8] ^= 1 << (i % 8)

			tampered := wire
			tampered.Content = base64.StdEncoding.EncodeToString(mutated)
			data, err := json.Marshal(tampered)
			require.NoError(t, err)

			_, err = Decode(base64.StdEncoding.EncodeToString(data), secret)
			assert.ErrorIs(t, err, ErrIntegrity, "bit %d", i)
		}
	})
}

func TestOpenWithoutSecret(t *testing.T) {
	encoded, err := Encode([]byte("unlock rule"), []byte("server-secret"))
	require.NoError(t, err)

	content, err := Open(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("unlock rule"), content)

	_, err = Open("not an envelope")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestEnvelopesDifferAcrossContent(t *testing.T) {
	secret := []byte("secret")

	a, err := Encode([]byte("content-a"), secret)
	require.NoError(t, err)
	b, err := Encode([]byte("content-b"), secret)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
