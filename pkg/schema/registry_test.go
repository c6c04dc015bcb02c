package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

const invoiceSchemaV3 = `{
	"type": "object",
	"required": ["invoice_id", "amount_cents", "currency"],
	"properties": {
		"invoice_id":   {"type": "string"},
		"amount_cents": {"type": "integer", "minimum": 0},
		"currency":     {"type": "string", "minLength": 3, "maxLength": 3}
	}
}`

// v1 had "amount" in whole units; v2 moved to cents; v3 added currency.
func invoiceRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	err := r.Register("invoice.issued", 3, invoiceSchemaV3,
		Migration{
			FromVersion: 1,
			Up: func(p []byte) ([]byte, error) {
				var doc map[string]any
				if err := json.Unmarshal(p, &doc); err != nil {
					return nil, err
				}
				doc["amount_cents"] = int64(doc["amount"].(float64) * 100)
				delete(doc, "amount")
				return json.Marshal(doc)
			},
			Down: func(p []byte) ([]byte, error) {
				var doc map[string]any
				if err := json.Unmarshal(p, &doc); err != nil {
					return nil, err
				}
				doc["amount"] = doc["amount_cents"].(float64) / 100
				delete(doc, "amount_cents")
				return json.Marshal(doc)
			},
		},
		Migration{
			FromVersion: 2,
			Up: func(p []byte) ([]byte, error) {
				var doc map[string]any
				if err := json.Unmarshal(p, &doc); err != nil {
					return nil, err
				}
				doc["currency"] = "EUR"
				return json.Marshal(doc)
			},
			Down: func(p []byte) ([]byte, error) {
				var doc map[string]any
				if err := json.Unmarshal(p, &doc); err != nil {
					return nil, err
				}
				delete(doc, "currency")
				return json.Marshal(doc)
			},
		},
	)
	require.NoError(t, err)
	return r
}

func TestRegisterRejectsGappedChain(t *testing.T) {
	r := NewRegistry()
	err := r.Register("order.placed", 3, `{"type":"object"}`,
		Migration{FromVersion: 2, Up: func(p []byte) ([]byte, error) { return p, nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	assert.Panics(t, func() {
		_ = r.Register("order.placed", 1, `{"type":"object"}`)
	})
}

func TestUpgradeChainsToCurrent(t *testing.T) {
	r := invoiceRegistry(t)

	name, payload, err := r.Upgrade("invoice.issued.v1", []byte(`{"invoice_id":"inv-1","amount":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, "invoice.issued.v3", name)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.EqualValues(t, 1250, doc["amount_cents"])
	assert.Equal(t, "EUR", doc["currency"])
	assert.NotContains(t, doc, "amount")
}

func TestUpgradeCurrentVersionIsIdentity(t *testing.T) {
	r := invoiceRegistry(t)
	in := []byte(`{"invoice_id":"inv-1","amount_cents":100,"currency":"USD"}`)
	name, out, err := r.Upgrade("invoice.issued.v3", in)
	require.NoError(t, err)
	assert.Equal(t, "invoice.issued.v3", name)
	assert.JSONEq(t, string(in), string(out))
}

func TestUpgradeRejectsFutureVersion(t *testing.T) {
	r := invoiceRegistry(t)
	_, _, err := r.Upgrade("invoice.issued.v4", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
}

func TestUpgradeUnknownSchema(t *testing.T) {
	r := invoiceRegistry(t)
	_, _, err := r.Upgrade("mystery.event.v1", []byte(`{}`))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

// Round-trip law: for a bijective chain, Down(Up(p)) == p.
func TestBijectiveMigrationRoundTrip(t *testing.T) {
	r := invoiceRegistry(t)
	orig := []byte(`{"invoice_id":"inv-1","amount":42.5}`)

	upName, up, err := r.Upgrade("invoice.issued.v1", orig)
	require.NoError(t, err)
	downName, down, err := r.Downgrade(upName, up, 1)
	require.NoError(t, err)

	assert.Equal(t, "invoice.issued.v1", downName)
	assert.JSONEq(t, string(orig), string(down))
}

func TestDowngradeRequiresBijectiveChain(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("order.placed", 2, `{"type":"object"}`,
		Migration{FromVersion: 1, Up: func(p []byte) ([]byte, error) { return p, nil }}))

	_, _, err := r.Downgrade("order.placed.v2", []byte(`{}`), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bijective")
}

func TestValidate(t *testing.T) {
	r := invoiceRegistry(t)

	// Old version upcasts before validation.
	err := r.Validate("invoice.issued.v1", []byte(`{"invoice_id":"inv-1","amount":10}`))
	assert.NoError(t, err)

	// Schema violations are permanent validation failures.
	err = r.Validate("invoice.issued.v3", []byte(`{"invoice_id":"inv-1","amount_cents":-5,"currency":"EUR"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
	assert.False(t, apperr.IsRetryable(err))

	// Non-JSON payloads likewise.
	err = r.Validate("invoice.issued.v3", []byte("not json"))
	require.Error(t, err)
	assert.False(t, apperr.IsRetryable(err))
}

func TestCurrentVersion(t *testing.T) {
	r := invoiceRegistry(t)
	v, err := r.CurrentVersion("invoice.issued")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
