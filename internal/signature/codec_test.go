package signature

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{}
	a["a"] = 1
	a["b"] = 2
	b := map[string]any{}
	b["b"] = 2
	b["a"] = 1
	require.Equal(t, Canonicalize(a), Canonicalize(b))
	require.Equal(t, "a=1&b=2", Canonicalize(a))
}

func TestCanonicalizeValueRendering(t *testing.T) {
	payload := map[string]any{
		"orderCode":   json.Number("123456"),
		"amount":      2000.0,
		"ratio":       0.5,
		"success":     true,
		"counterName": nil,
		"description": "Thanh toan don hang",
		"items": []any{
			map[string]any{"quantity": json.Number("1"), "name": "Mi tom"},
		},
	}
	got := Canonicalize(payload)
	assert.Equal(t,
		`amount=2000&counterName=&description=Thanh toan don hang&items=[{"name":"Mi tom","quantity":1}]&orderCode=123456&ratio=0.5&success=true`,
		got)
	assert.NotContains(t, got, "e+")
}

func TestSchemeOverrides(t *testing.T) {
	payload := map[string]any{
		"vnp_Amount":     "1000000",
		"vnp_OrderInfo":  "Thanh toan don #1",
		"vnp_SecureHash": "ignored",
		"flag":           true,
	}
	s := Scheme{
		Exclude:               []string{"vnp_SecureHash"},
		EncodeValue:           url.QueryEscape,
		FormatBool:            func(b bool) string { return map[bool]string{true: "1", false: "0"}[b] },
		KeepTrailingDelimiter: true,
	}
	assert.Equal(t, "flag=1&vnp_Amount=1000000&vnp_OrderInfo=Thanh+toan+don+%231&", s.Canonicalize(payload))

	fixed := Scheme{Include: []string{"b", "a", "missing"}}
	assert.Equal(t, "a=1&b=2&missing=", fixed.Canonicalize(map[string]any{"a": 1, "b": 2, "c": 3}))
}

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		Sign("what do ya want for nothing?", "Jefe"))
}

func TestVerify(t *testing.T) {
	payload := map[string]any{"orderCode": json.Number("42"), "amount": json.Number("10000"), "code": "00"}
	sig := Sign(Canonicalize(payload), "checksum-key")

	assert.True(t, Verify(payload, sig, "checksum-key"))
	assert.True(t, Verify(payload, strings.ToUpper(sig), "checksum-key"))
	assert.False(t, Verify(payload, sig, "wrong-key"))
	assert.False(t, Verify(payload, "not-hex", "checksum-key"))
	assert.False(t, Verify(payload, "", "checksum-key"))
	assert.False(t, Verify(payload, sig[:10], "checksum-key"))
	assert.False(t, Verify(nil, sig, "checksum-key"))
	assert.False(t, Verify(payload, sig, ""))

	tampered := map[string]any{"orderCode": json.Number("42"), "amount": json.Number("1"), "code": "00"}
	assert.False(t, Verify(tampered, sig, "checksum-key"))
}

func TestVerifyNeverPanicsOnOddValues(t *testing.T) {
	payload := map[string]any{"ch": make(chan int), "fn": func() {}}
	assert.NotPanics(t, func() {
		assert.False(t, Verify(payload, strings.Repeat("0", 64), "secret"))
	})
}

func TestDecodeJSON(t *testing.T) {
	m, err := DecodeJSON([]byte(`{"amount": 10000.00, "orderCode": 9007199254740991}`))
	require.NoError(t, err)
	assert.Equal(t, "amount=10000.00&orderCode=9007199254740991", Canonicalize(m))

	_, err = DecodeJSON([]byte(`[1,2]`))
	require.Error(t, err)
	_, err = DecodeJSON([]byte(`null`))
	require.Error(t, err)
}
