package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// ClobCreds are the L2 API credentials the Polymarket CLOB derives from
// a ClobAuth signature. The secret is URL-safe base64; it is decoded to
// raw bytes before keying the HMAC.
type ClobCreds struct {
	Key        string
	Secret     string
	Passphrase string
}

// Valid reports whether all three fields are present.
func (c ClobCreds) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// L2Headers returns the five headers authenticating one CLOB request at
// the current time. The signature covers timestamp+method+path+body.
func (c ClobCreds) L2Headers(address, method, path, body string) (map[string]string, error) {
	return c.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers with a caller-supplied Unix timestamp.
func (c ClobCreds) L2HeadersAt(address, method, path, body string, unixTS int64) (map[string]string, error) {
	secret, err := base64.URLEncoding.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding clob secret: %w", err)
	}
	ts := strconv.FormatInt(unixTS, 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  sig,
	}, nil
}

// String returns a redacted representation safe for logs.
func (c ClobCreds) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("ClobCreds{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}
