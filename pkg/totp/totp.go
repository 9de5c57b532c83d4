// Package totp implements RFC-6238 time-based one-time passwords with
// the RFC-4226 dynamic truncation rule, plus the Base32 codec and
// otpauth:// enrollment URIs used by authenticator apps.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strings"
	"time"
)

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// Verifier generates and checks TOTP codes for a fixed period, digit
// count, and HMAC algorithm.
type Verifier struct {
	period int64
	digits int
	algo   string
}

// New constructs a Verifier. Digits outside [6,10] or an unsupported
// algorithm fail construction, not verification.
func New(periodSeconds, digits int, algo string) (*Verifier, error) {
	if digits < 6 || digits > 10 {
		return nil, errors.New("totp: digits must be between 6 and 10")
	}
	switch algo {
	case "sha1", "sha256", "sha512":
	default:
		return nil, fmt.Errorf("totp: unsupported algorithm %q", algo)
	}
	if periodSeconds <= 0 {
		periodSeconds = 30
	}
	return &Verifier{period: int64(periodSeconds), digits: digits, algo: algo}, nil
}

// Default returns the standard 30s/6-digit/SHA-1 verifier.
func Default() *Verifier {
	v, _ := New(30, 6, "sha1")
	return v
}

// Generate computes the code for a given counter (time-step index).
func (v *Verifier) Generate(secretBase32 string, counter uint64) string {
	key := Base32Decode(secretBase32)

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(v.hashFunc(), key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := uint64(binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff)

	// The modulus must be computed in 64 bits: 10^10 overflows uint32,
	// and a 10-digit code is the untruncated 31-bit value.
	mod := uint64(1)
	for i := 0; i < v.digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", v.digits, code%mod)
}

// Verify checks a user-supplied code against counters in
// [current-window, current+window] at the given time. Codes that do not
// look like a digit string of the right length are rejected before any
// HMAC is computed.
func (v *Verifier) Verify(secretBase32, code string, window int, now time.Time) bool {
	code = stripSpace(code)
	if len(code) != v.digits || !allDigits(code) {
		return false
	}
	if window < 0 {
		window = 0
	}

	counter := now.Unix() / v.period
	for i := -int64(window); i <= int64(window); i++ {
		c := counter + i
		if c < 0 {
			continue
		}
		expected := v.Generate(secretBase32, uint64(c))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// GenerateSecret returns a random Base32 secret of at least 10 bytes of
// entropy.
func GenerateSecret(bytes int) (string, error) {
	if bytes < 10 {
		bytes = 10
	}
	raw := make([]byte, bytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return Base32Encode(raw), nil
}

// EnrollmentURI builds the otpauth://totp/ payload for QR enrollment.
func (v *Verifier) EnrollmentURI(issuer, label, secretBase32 string) string {
	issuer = strings.TrimSpace(issuer)
	label = strings.TrimSpace(label)

	q := url.Values{}
	q.Set("secret", secretBase32)
	q.Set("issuer", issuer)
	q.Set("digits", fmt.Sprintf("%d", v.digits))
	q.Set("period", fmt.Sprintf("%d", v.period))
	q.Set("algorithm", strings.ToUpper(v.algo))

	return "otpauth://totp/" + url.PathEscape(issuer+":"+label) + "?" + q.Encode()
}

// Base32Encode encodes raw bytes with the RFC 4648 uppercase alphabet,
// no padding.
func Base32Encode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var out strings.Builder
	var buffer, bits uint
	for _, b := range raw {
		buffer = buffer<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out.WriteByte(base32Alphabet[(buffer>>bits)&0x1f])
		}
	}
	if bits > 0 {
		out.WriteByte(base32Alphabet[(buffer<<(5-bits))&0x1f])
	}
	return out.String()
}

// Base32Decode decodes an RFC 4648 Base32 string. Lowercase is folded
// to uppercase, padding and non-alphabet characters are ignored.
func Base32Decode(s string) []byte {
	s = strings.ToUpper(s)
	var out []byte
	var buffer, bits uint
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(base32Alphabet, s[i])
		if idx < 0 {
			continue
		}
		buffer = buffer<<5 | uint(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte((buffer>>bits)&0xff))
		}
	}
	return out
}

func (v *Verifier) hashFunc() func() hash.Hash {
	switch v.algo {
	case "sha256":
		return sha256.New
	case "sha512":
		return sha512.New
	default:
		return sha1.New
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
