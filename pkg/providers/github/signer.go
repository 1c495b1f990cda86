package github

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// assertionBackdate absorbs clock skew with the token endpoint.
	assertionBackdate = 60 * time.Second
	// assertionLifetime is the maximum the endpoint accepts.
	assertionLifetime = 600 * time.Second
)

var errMalformedKey = errors.New("private key is not a PEM encoded RSA key")

// Signer mints RS256 assertions for the app identity.
type Signer struct {
	issuer interface{}
	key    *rsa.PrivateKey
	now    func() time.Time
}

// NewSigner parses the key once; the PEM text is not retained.
func NewSigner(issuerID string, pemKey []byte) (*Signer, error) {
	issuerID = strings.TrimSpace(issuerID)
	if issuerID == "" {
		return nil, errors.New("issuer id is required")
	}
	key, err := ParsePrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	return &Signer{issuer: issuerClaim(issuerID), key: key, now: time.Now}, nil
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 RSA keys. Errors never include
// key material.
func ParsePrivateKey(pemKey []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errMalformedKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errMalformedKey
	}
	typed, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errMalformedKey
	}
	return typed, nil
}

// Sign returns header.claims.signature with iat backdated and exp at the
// maximum lifetime.
func (s *Signer) Sign() (string, error) {
	now := s.now().UTC()
	claims := map[string]interface{}{
		"iat": now.Add(-assertionBackdate).Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"iss": s.issuer,
	}
	header := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
	}
	encodedHeader, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	encodedClaims, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}
	unsigned := encodedHeader + "." + encodedClaims
	hash := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(nil, s.key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Numeric app ids are sent as numbers, client ids as strings.
func issuerClaim(issuerID string) interface{} {
	if id, err := strconv.ParseInt(issuerID, 10, 64); err == nil {
		return id
	}
	return issuerID
}

func encodeSegment(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
