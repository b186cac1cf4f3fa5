package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/payment-core/internal/payment"
)

type webhookFlags struct {
	provider  string
	reference string
	amount    int64
	status    string
	txn       string
	secret    string
	accessKey string
	partner   string
}

func newSignWebhookCmd() *cobra.Command {
	var f webhookFlags
	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Print a gateway notification signed with merchant credentials",
		Long: `Builds the notification a gateway would send for a payment reference and
signs it, so sandbox webhooks can be replayed with curl. VNPAY output is a query
string for GET /payments/vnpay/webhook; MoMo and PayOS output is a JSON body.

Credentials default to VNPAY_HASH_SECRET, MOMO_SECRET_KEY/MOMO_ACCESS_KEY and
PAYOS_CHECKSUM_KEY from the environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := signWebhook(f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.provider, "provider", "", "vnpay, momo or payos")
	fl.StringVar(&f.reference, "reference", "", "gateway reference of the intent")
	fl.Int64Var(&f.amount, "amount", 0, "amount in minor units")
	fl.StringVar(&f.status, "status", "", "gateway result code (defaults to the success code)")
	fl.StringVar(&f.txn, "txn", "", "gateway transaction id (defaults to a timestamp)")
	fl.StringVar(&f.secret, "secret", "", "signing secret (overrides the environment)")
	fl.StringVar(&f.accessKey, "access-key", os.Getenv("MOMO_ACCESS_KEY"), "MoMo access key")
	fl.StringVar(&f.partner, "partner-code", "", "merchant or partner code")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func signWebhook(f webhookFlags) (string, error) {
	provider, err := payment.ParseProvider(f.provider)
	if err != nil {
		return "", err
	}
	if f.amount <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	txn := f.txn
	if txn == "" {
		txn = strconv.FormatInt(time.Now().Unix(), 10)
	}

	switch provider {
	case payment.ProviderVNPay:
		v := &payment.VNPay{TmnCode: orEnv(f.partner, "VNPAY_TMN_CODE"), HashSecret: orEnv(f.secret, "VNPAY_HASH_SECRET")}
		if v.HashSecret == "" {
			return "", fmt.Errorf("vnpay hash secret required")
		}
		code := orDefault(f.status, "00")
		return v.SignedQuery(map[string]string{
			"vnp_TmnCode":           v.TmnCode,
			"vnp_TxnRef":            f.reference,
			"vnp_Amount":            strconv.FormatInt(f.amount*100, 10),
			"vnp_ResponseCode":      code,
			"vnp_TransactionStatus": code,
			"vnp_TransactionNo":     txn,
			"vnp_PayDate":           time.Now().Format("20060102150405"),
		}), nil

	case payment.ProviderMoMo:
		m := &payment.MoMo{PartnerCode: orEnv(f.partner, "MOMO_PARTNER_CODE"), AccessKey: f.accessKey, SecretKey: orEnv(f.secret, "MOMO_SECRET_KEY")}
		if m.SecretKey == "" || m.AccessKey == "" {
			return "", fmt.Errorf("momo access key and secret key required")
		}
		code, err := strconv.Atoi(orDefault(f.status, "0"))
		if err != nil {
			return "", fmt.Errorf("momo result code must be numeric: %w", err)
		}
		body := m.SignIPN(map[string]any{
			"partnerCode":  m.PartnerCode,
			"orderId":      f.reference,
			"requestId":    f.reference,
			"amount":       f.amount,
			"orderInfo":    "paymentctl",
			"orderType":    "momo_wallet",
			"transId":      txn,
			"resultCode":   code,
			"message":      "signed by paymentctl",
			"payType":      "qr",
			"responseTime": time.Now().UnixMilli(),
			"extraData":    "",
		})
		raw, err := json.Marshal(body)
		return string(raw), err

	default:
		p := &payment.PayOS{ChecksumKey: orEnv(f.secret, "PAYOS_CHECKSUM_KEY")}
		if p.ChecksumKey == "" {
			return "", fmt.Errorf("payos checksum key required")
		}
		orderCode, err := strconv.ParseInt(f.reference, 10, 64)
		if err != nil {
			return "", fmt.Errorf("payos reference must be the numeric orderCode: %w", err)
		}
		raw, err := p.SignWebhook(map[string]any{
			"orderCode":   orderCode,
			"amount":      f.amount,
			"description": "paymentctl",
			"reference":   txn,
			"code":        orDefault(f.status, "00"),
			"desc":        "success",
		})
		return string(raw), err
	}
}

func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
