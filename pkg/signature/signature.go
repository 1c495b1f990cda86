// Package signature verifies webhook authenticity proofs.
//
// Each provider encodes its proof differently, so verification is modelled as a
// Verifier strategy selected when a receiver is built. Every Verifier is pure,
// compares in constant time and fails closed when the secret is empty.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Proof carries the provider-supplied authenticity material for one request.
// Only the fields a strategy needs are populated.
type Proof struct {
	Signature string
	Timestamp string
	Token     string
}

// Verifier validates a proof against the raw, unparsed request body.
type Verifier interface {
	Verify(secret string, rawBody []byte, proof Proof) bool
}

// HexHMAC verifies a hex-encoded HMAC-SHA256 of the raw body, optionally
// carrying a prefix such as "sha256=".
type HexHMAC struct {
	Prefix string
}

// Verify implements Verifier.
func (v HexHMAC) Verify(secret string, rawBody []byte, proof Proof) bool {
	if secret == "" || proof.Signature == "" {
		return false
	}
	sig := strings.TrimSpace(proof.Signature)
	if v.Prefix != "" {
		if !strings.HasPrefix(sig, v.Prefix) {
			return false
		}
		sig = strings.TrimPrefix(sig, v.Prefix)
	}
	return equalHex(sig, Sum(secret, rawBody))
}

// TimestampToken verifies an HMAC-SHA256 over "timestamp:token". The body is
// not part of the signed material, so a captured proof stays valid for any
// body; Tolerance bounds how long it can be replayed.
type TimestampToken struct {
	// Tolerance bounds how far timestamp may be from Now. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify implements Verifier.
func (v TimestampToken) Verify(secret string, _ []byte, proof Proof) bool {
	if secret == "" || proof.Signature == "" || proof.Timestamp == "" || proof.Token == "" {
		return false
	}
	if !fresh(proof.Timestamp, v.Tolerance, v.Now) {
		return false
	}
	expected := Sum(secret, []byte(proof.Timestamp+":"+proof.Token))
	return equalHex(strings.TrimSpace(proof.Signature), expected)
}

// Timestamped verifies a "ts=<unix>;h1=<hex>" header where h1 is an
// HMAC-SHA256 over "ts:rawBody". Several h1 entries may be present during
// secret rotation; any match is accepted.
type Timestamped struct {
	// Tolerance bounds how far ts may be from Now. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify implements Verifier.
func (v Timestamped) Verify(secret string, rawBody []byte, proof Proof) bool {
	if secret == "" || proof.Signature == "" {
		return false
	}
	ts, hashes := ParseTimestamped(proof.Signature)
	if ts == "" || len(hashes) == 0 {
		return false
	}
	if !fresh(ts, v.Tolerance, v.Now) {
		return false
	}
	material := make([]byte, 0, len(ts)+1+len(rawBody))
	material = append(material, ts...)
	material = append(material, ':')
	material = append(material, rawBody...)
	expected := Sum(secret, material)

	ok := false
	for _, h := range hashes {
		// no early exit: every candidate is compared
		if equalHex(h, expected) {
			ok = true
		}
	}
	return ok
}

// fresh reports whether the unix timestamp ts lies within tolerance of now.
func fresh(ts string, tolerance time.Duration, now func() time.Time) bool {
	if tolerance <= 0 {
		return true
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if now == nil {
		now = time.Now
	}
	skew := now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= tolerance
}

// ParseTimestamped splits a "ts=<unix>;h1=<hex>[;h1=<hex>]" header.
func ParseTimestamped(header string) (string, []string) {
	var ts string
	var hashes []string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "h1":
			if h := strings.TrimSpace(value); h != "" {
				hashes = append(hashes, h)
			}
		}
	}
	return ts, hashes
}

// Sum returns the HMAC-SHA256 of data keyed by secret.
func Sum(secret string, data []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

// SumHex returns the hex-encoded HMAC-SHA256 of data keyed by secret.
func SumHex(secret string, data []byte) string {
	return hex.EncodeToString(Sum(secret, data))
}

func equalHex(provided string, expected []byte) bool {
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, expected)
}
