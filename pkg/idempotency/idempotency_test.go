package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Fingerprint([]byte(`{"amount": 100, "currency": "EUR"}`))
	require.NoError(t, err)
	b, err := Fingerprint([]byte(`{"currency":"EUR","amount":100}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "canonicalization must normalize key order and whitespace")
	assert.Len(t, a, 64)
}

func TestFingerprintDistinguishesValues(t *testing.T) {
	a, err := Fingerprint([]byte(`{"amount":100}`))
	require.NoError(t, err)
	b, err := Fingerprint([]byte(`{"amount":101}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintRejectsNonJSON(t *testing.T) {
	_, err := Fingerprint([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
}
