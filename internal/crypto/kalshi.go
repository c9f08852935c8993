package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kalshi authentication header names.
const (
	HeaderKalshiAccessKey       = "KALSHI-ACCESS-KEY"
	HeaderKalshiAccessSignature = "KALSHI-ACCESS-SIGNATURE"
	HeaderKalshiAccessTimestamp = "KALSHI-ACCESS-TIMESTAMP"
)

// kalshiMinKeyBits is the smallest RSA modulus Kalshi accepts.
const kalshiMinKeyBits = 2048

// KalshiSigner signs Kalshi API requests with RSA-PSS. Every request
// carries a signature over {timestamp_ms}{METHOD}{path}; the same
// scheme authenticates the trading WebSocket.
type KalshiSigner struct {
	apiKey     string
	privateKey *rsa.PrivateKey
}

// NewKalshiSigner builds a signer from an already-parsed key. The API
// key is the access-key ID issued with the uploaded public key.
func NewKalshiSigner(apiKey string, key *rsa.PrivateKey) (*KalshiSigner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("crypto: kalshi api key must not be empty")
	}
	if key == nil {
		return nil, fmt.Errorf("crypto: kalshi private key must not be nil")
	}
	if bits := key.N.BitLen(); bits < kalshiMinKeyBits {
		return nil, fmt.Errorf("crypto: kalshi key must be at least %d bits, got %d", kalshiMinKeyBits, bits)
	}
	return &KalshiSigner{apiKey: apiKey, privateKey: key}, nil
}

// KalshiSignerFromPEM parses a PEM-encoded RSA private key (PKCS#8 or
// PKCS#1). Keys passed through environment variables often arrive with
// literal "\n" sequences; those are unescaped before parsing.
func KalshiSignerFromPEM(apiKey, keyPEM string) (*KalshiSigner, error) {
	cleaned := strings.ReplaceAll(keyPEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(cleaned))
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block in kalshi private key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parsing PKCS#1 kalshi key: %w", err)
		}
		key = k
	default:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parsing PKCS#8 kalshi key: %w", err)
		}
		k, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("crypto: kalshi key is %T, want RSA", parsed)
		}
		key = k
	}
	return NewKalshiSigner(apiKey, key)
}

// KalshiSignerFromFile loads the PEM key from disk.
func KalshiSignerFromFile(apiKey, path string) (*KalshiSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading kalshi key file: %w", err)
	}
	return KalshiSignerFromPEM(apiKey, string(data))
}

// APIKey returns the access-key ID sent alongside each signature.
func (s *KalshiSigner) APIKey() string { return s.apiKey }

// Sign signs {timestampMs}{METHOD}{path} with RSA-PSS (SHA-256,
// maximum salt length) and returns the base64 signature.
func (s *KalshiSigner) Sign(timestampMs int64, method, path string) (string, error) {
	msg := strconv.FormatInt(timestampMs, 10) + strings.ToUpper(method) + path
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("crypto: kalshi signing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// RequestHeaders returns the three authentication headers for one HTTP
// request at the given timestamp.
func (s *KalshiSigner) RequestHeaders(timestampMs int64, method, path string) (map[string]string, error) {
	sig, err := s.Sign(timestampMs, method, path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderKalshiAccessKey:       s.apiKey,
		HeaderKalshiAccessSignature: sig,
		HeaderKalshiAccessTimestamp: strconv.FormatInt(timestampMs, 10),
	}, nil
}

// WSAuthParams are the fields of the auth command sent after the
// trading WebSocket connects.
type WSAuthParams struct {
	APIKey    string `json:"api_key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// WSAuthParams signs the WebSocket path and returns the auth payload.
func (s *KalshiSigner) WSAuthParams(timestampMs int64, path string) (WSAuthParams, error) {
	sig, err := s.Sign(timestampMs, "GET", path)
	if err != nil {
		return WSAuthParams{}, err
	}
	return WSAuthParams{
		APIKey:    s.apiKey,
		Signature: sig,
		Timestamp: strconv.FormatInt(timestampMs, 10),
	}, nil
}

// GenerateKalshiKeyPair creates a fresh RSA-2048 key pair: the private
// key PEM (PKCS#8) for local storage and the public key PEM to upload
// to the Kalshi dashboard.
func GenerateKalshiKeyPair() (privatePEM, publicPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, kalshiMinKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generating kalshi key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: encoding private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: encoding public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}
