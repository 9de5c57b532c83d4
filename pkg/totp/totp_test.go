package totp

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"
)

// RFC 6238 test vector secret: ASCII "12345678901234567890" in Base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestKnownCodeAtT59(t *testing.T) {
	v, err := New(30, 6, "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify(rfcSecret, "287082", 0, time.Unix(59, 0)) {
		t.Error("expected RFC 6238 vector 287082 to verify at t=59")
	}
	if v.Verify(rfcSecret, "000000", 0, time.Unix(59, 0)) {
		t.Error("unexpected acceptance of wrong code")
	}
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	v := Default()
	now := time.Unix(1111111109, 0)
	code := v.Generate(rfcSecret, uint64(now.Unix()/30))
	if !v.Verify(rfcSecret, code, 0, now) {
		t.Errorf("generated code %s did not verify", code)
	}
}

func TestWindowAllowsAdjacentStep(t *testing.T) {
	v := Default()
	codeAt60 := v.Generate(rfcSecret, uint64(60/30))
	if !v.Verify(rfcSecret, codeAt60, 1, time.Unix(59, 0)) {
		t.Error("window=1 should accept the next time step's code")
	}
	if v.Verify(rfcSecret, codeAt60, 0, time.Unix(59, 0)) {
		t.Error("window=0 should reject the next time step's code")
	}
}

func TestMalformedCodesRejectedEarly(t *testing.T) {
	v := Default()
	now := time.Unix(59, 0)
	for _, code := range []string{"", "12345", "1234567", "28708a", "28 70 82x"} {
		if v.Verify(rfcSecret, code, 1, now) {
			t.Errorf("code %q should be rejected", code)
		}
	}
	// Whitespace is stripped before matching.
	if !v.Verify(rfcSecret, " 287 082 ", 0, now) {
		t.Error("whitespace-padded valid code should verify")
	}
}

func TestTenDigitCodesUseFullTruncationValue(t *testing.T) {
	// 10^10 exceeds uint32; a 10-digit code must be the untruncated
	// 31-bit value, and shorter widths must be its decimal suffixes.
	ten, err := New(30, 10, "sha1")
	if err != nil {
		t.Fatal(err)
	}
	nine, err := New(30, 9, "sha1")
	if err != nil {
		t.Fatal(err)
	}
	six, err := New(30, 6, "sha1")
	if err != nil {
		t.Fatal(err)
	}

	for counter := uint64(0); counter < 64; counter++ {
		code10 := ten.Generate(rfcSecret, counter)
		if len(code10) != 10 {
			t.Fatalf("counter %d: 10-digit code has length %d", counter, len(code10))
		}
		var value uint64
		if _, err := fmt.Sscanf(code10, "%d", &value); err != nil {
			t.Fatalf("counter %d: unparsable code %q", counter, code10)
		}
		if value >= 1<<31 {
			t.Fatalf("counter %d: code %d exceeds the 31-bit truncation range", counter, value)
		}
		if got := nine.Generate(rfcSecret, counter); got != fmt.Sprintf("%09d", value%1_000_000_000) {
			t.Fatalf("counter %d: 9-digit code %s does not match suffix of %d", counter, got, value)
		}
		if got := six.Generate(rfcSecret, counter); got != fmt.Sprintf("%06d", value%1_000_000) {
			t.Fatalf("counter %d: 6-digit code %s does not match suffix of %d", counter, got, value)
		}
	}
}

func TestConstructionLimits(t *testing.T) {
	if _, err := New(30, 5, "sha1"); err == nil {
		t.Error("digits=5 should fail construction")
	}
	if _, err := New(30, 11, "sha1"); err == nil {
		t.Error("digits=11 should fail construction")
	}
	if _, err := New(30, 6, "md5"); err == nil {
		t.Error("md5 should fail construction")
	}
	if _, err := New(30, 8, "sha256"); err != nil {
		t.Errorf("sha256/8 should construct: %v", err)
	}
}

func TestBase32RoundTrip(t *testing.T) {
	raw := []byte("12345678901234567890")
	enc := Base32Encode(raw)
	if enc != rfcSecret {
		t.Errorf("Base32Encode() = %s, want %s", enc, rfcSecret)
	}
	if !bytes.Equal(Base32Decode(enc), raw) {
		t.Error("decode(encode(x)) != x")
	}
	// Lowercase, spaces, and padding are tolerated on decode.
	if !bytes.Equal(Base32Decode(strings.ToLower(rfcSecret)+"===="), raw) {
		t.Error("lowercase/padded input should decode identically")
	}
}

func TestGenerateSecretAndEnrollmentURI(t *testing.T) {
	secret, err := GenerateSecret(20)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^[A-Z2-7]+$`).MatchString(secret) {
		t.Errorf("secret %q not Base32", secret)
	}
	if len(secret) < 16 {
		t.Errorf("secret too short: %d", len(secret))
	}

	v := Default()
	uri := v.EnrollmentURI("Countersign", "user@example.com", secret)
	if !strings.HasPrefix(uri, "otpauth://totp/Countersign:user@example.com?") {
		t.Errorf("unexpected URI prefix: %s", uri)
	}
	for _, frag := range []string{"secret=" + secret, "issuer=Countersign", "digits=6", "period=30", "algorithm=SHA1"} {
		if !strings.Contains(uri, frag) {
			t.Errorf("URI missing %q: %s", frag, uri)
		}
	}
}
