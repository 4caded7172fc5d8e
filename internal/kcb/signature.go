package kcb

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
)

// Verifier validates that an inbound IPN payload was produced by the
// gateway, using RSA PKCS#1 v1.5 / SHA-256 over the canonicalized body.
type Verifier struct {
	publicKey *rsa.PublicKey
	logger    *slog.Logger
}

// NewVerifier parses the configured PEM public key. An empty key is allowed
// and yields a verifier that rejects everything.
func NewVerifier(publicKeyPEM string, logger *slog.Logger) (*Verifier, error) {
	v := &Verifier{logger: logger}
	if publicKeyPEM == "" {
		return v, nil
	}

	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	v.publicKey = key
	return v, nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key in either PKIX or
// PKCS#1 form.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("public key is not valid PEM")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaKey, nil
}

// Verify checks signatureB64 against the raw payload. It returns false,
// never an error, on missing key configuration, malformed signature
// encoding, unparseable payload, or a cryptographic mismatch. Failures are
// logged with payload and signature prefixes for audit.
func (v *Verifier) Verify(rawPayload []byte, signatureB64 string) bool {
	if v.publicKey == nil {
		v.logger.Error("ipn signature verification failed: public key not configured")
		return false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		v.logger.Error("ipn signature verification failed: malformed base64 signature",
			"error", err,
			"signature_prefix", prefix(signatureB64, 100),
		)
		return false
	}

	canonical, err := CanonicalizeJSON(rawPayload)
	if err != nil {
		v.logger.Error("ipn signature verification failed: payload is not valid JSON",
			"error", err,
			"payload_prefix", prefix(string(rawPayload), 500),
		)
		return false
	}

	digest := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		v.logger.Error("ipn signature verification failed: signature mismatch",
			"payload_prefix", prefix(string(canonical), 500),
			"signature_prefix", prefix(signatureB64, 100),
		)
		return false
	}

	return true
}

// CanonicalizeJSON re-serializes a JSON document with all insignificant
// whitespace removed, preserving key order as received. The result must
// byte-match whatever the sender canonicalized before signing, so no key
// reordering is performed.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
