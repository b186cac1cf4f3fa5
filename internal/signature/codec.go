package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Scheme describes how one gateway turns a flat payload into its signable string.
// The zero value is the generic scheme: every key, values verbatim, trailing "&" trimmed.
type Scheme struct {
	// Include restricts the signed keys to this fixed list when non-empty.
	Include []string
	// Exclude drops keys, typically the signature field itself.
	Exclude []string
	// EncodeValue rewrites each rendered value (VNPAY URL-escapes them).
	EncodeValue func(string) string
	// FormatBool overrides the true/false literals.
	FormatBool func(bool) string
	// KeepTrailingDelimiter leaves the final "&" in place.
	KeepTrailingDelimiter bool
}

// Canonicalize renders payload with the generic scheme.
func Canonicalize(payload map[string]any) string {
	return Scheme{}.Canonicalize(payload)
}

// Sign returns the lower-case hex HMAC-SHA256 of canonical keyed with secret.
func Sign(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload using the generic scheme.
func Verify(payload map[string]any, signature, secret string) bool {
	return Scheme{}.Verify(payload, signature, secret)
}

// Canonicalize sorts the participating keys in byte order and joins them as key=value pairs.
func (s Scheme) Canonicalize(payload map[string]any) string {
	keys := s.keys(payload)
	var b strings.Builder
	for _, k := range keys {
		v, err := s.render(payload[k])
		if err != nil {
			// unrenderable values sign as empty so verification fails instead of panicking
			v = ""
		}
		if s.EncodeValue != nil {
			v = s.EncodeValue(v)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('&')
	}
	out := b.String()
	if !s.KeepTrailingDelimiter {
		out = strings.TrimSuffix(out, "&")
	}
	return out
}

// Verify recomputes the digest over payload and compares it with signature in constant time.
func (s Scheme) Verify(payload map[string]any, signature, secret string) bool {
	if payload == nil || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, _ := hex.DecodeString(Sign(s.Canonicalize(payload), secret))
	return hmac.Equal(got, want)
}

func (s Scheme) keys(payload map[string]any) []string {
	excluded := make(map[string]struct{}, len(s.Exclude))
	for _, k := range s.Exclude {
		excluded[k] = struct{}{}
	}
	var keys []string
	if len(s.Include) > 0 {
		for _, k := range s.Include {
			if _, skip := excluded[k]; !skip {
				keys = append(keys, k)
			}
		}
	} else {
		keys = make([]string, 0, len(payload))
		for k := range payload {
			if _, skip := excluded[k]; !skip {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func (s Scheme) render(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		if s.FormatBool != nil {
			return s.FormatBool(t), nil
		}
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case []any, []map[string]any, []string, map[string]any:
		return encodeSorted(t)
	case fmt.Stringer:
		return t.String(), nil
	default:
		return encodeSorted(t)
	}
}

// encodeSorted JSON-encodes nested values. encoding/json emits map keys in sorted
// byte order at every depth, which is the ordering the gateways sign with.
func encodeSorted(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeJSON decodes an object keeping numbers as json.Number so digests are
// computed over the sender's own number text.
func DecodeJSON(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("signature: decode payload: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("signature: payload is not an object")
	}
	return out, nil
}
