package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-core/internal/payment"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestSignWebhookVNPayVerifies(t *testing.T) {
	out, err := run(t, "sign-webhook", "--provider", "vnpay", "--reference", "ref-1", "--amount", "150000", "--secret", "vnsecret", "--txn", "14000001")
	require.NoError(t, err)

	evt, err := (&payment.VNPay{HashSecret: "vnsecret"}).ParseWebhook([]byte(out), nil)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", evt.Reference)
	assert.Equal(t, "14000001", evt.ProviderTxnID)
	assert.Equal(t, int64(150000), evt.AmountCents)
	assert.Equal(t, payment.StatusSucceeded, evt.Status)
}

func TestSignWebhookMoMoFailureCode(t *testing.T) {
	out, err := run(t, "sign-webhook", "--provider", "momo", "--reference", "ref-2", "--amount", "5000",
		"--status", "1001", "--secret", "momosecret", "--access-key", "access", "--partner-code", "MOMO01")
	require.NoError(t, err)

	evt, err := (&payment.MoMo{AccessKey: "access", SecretKey: "momosecret"}).ParseWebhook([]byte(out), nil)
	require.NoError(t, err)
	assert.Equal(t, "ref-2", evt.Reference)
	assert.Equal(t, payment.StatusFailed, evt.Status)
}

func TestSignWebhookPayOS(t *testing.T) {
	out, err := run(t, "sign-webhook", "--provider", "payos", "--reference", "987654", "--amount", "3000", "--secret", "checksum")
	require.NoError(t, err)

	evt, err := (&payment.PayOS{ChecksumKey: "checksum"}).ParseWebhook([]byte(out), nil)
	require.NoError(t, err)
	assert.Equal(t, "987654", evt.Reference)
	assert.Equal(t, payment.StatusSucceeded, evt.Status)

	_, err = run(t, "sign-webhook", "--provider", "payos", "--reference", "not-numeric", "--amount", "3000", "--secret", "checksum")
	assert.ErrorContains(t, err, "numeric orderCode")
}

func TestSignWebhookValidatesInput(t *testing.T) {
	_, err := run(t, "sign-webhook", "--provider", "paypal", "--reference", "r", "--amount", "1")
	assert.ErrorIs(t, err, payment.ErrUnknownProvider)

	_, err = run(t, "sign-webhook", "--provider", "vnpay", "--reference", "r")
	assert.ErrorContains(t, err, "amount")
}

func TestHashAdminKey(t *testing.T) {
	out, err := run(t, "hash-admin-key", "correct-horse-battery-staple")
	require.NoError(t, err)
	ok, err := argon2id.ComparePasswordAndHash("correct-horse-battery-staple", out)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = run(t, "hash-admin-key", "short")
	assert.Error(t, err)
}

func TestResolveRefundValidatesInput(t *testing.T) {
	_, err := run(t, "resolve-refund", "not-a-uuid", "--outcome", "succeeded")
	assert.ErrorContains(t, err, "refund id")

	_, err = run(t, "resolve-refund", "6f1c2c1e-8a59-4b7e-9c55-3f1d0c9e2a10", "--outcome", "maybe")
	assert.ErrorContains(t, err, "--outcome")
}
