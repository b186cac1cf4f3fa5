package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/payment-core/internal/common"
)

// WebhookBody caps gateway notification bodies and buffers them, so the
// handler verifies the signature over the exact bytes that were sent.
type WebhookBody struct {
	Max int64
}

func (b WebhookBody) Middleware(next http.Handler) http.Handler {
	if b.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			payloadTooLarge(w)
			return
		}
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				payloadTooLarge(w)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable notification body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		next.ServeHTTP(w, r)
	})
}

func payloadTooLarge(w http.ResponseWriter) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "notification body too large", nil)
}
