package land

import (
	"testing"
	"time"
)

func TestNextCertificateID(t *testing.T) {
	cases := []struct {
		latest string
		want   string
	}{
		{"", "CERT-MARS-000001"},
		{"CERT-MARS-000001", "CERT-MARS-000002"},
		{"CERT-MARS-000041", "CERT-MARS-000042"},
		{"CERT-MARS-999999", "CERT-MARS-1000000"},
		{"garbage", "CERT-MARS-000001"},
		{"CERT-MARS-", "CERT-MARS-000001"},
		{"CERT-MOON-000007", "CERT-MARS-000001"},
	}
	for _, tc := range cases {
		if got := NextCertificateID(tc.latest); got != tc.want {
			t.Errorf("NextCertificateID(%q) = %q, want %q", tc.latest, got, tc.want)
		}
	}
}

func TestValidCertificateID(t *testing.T) {
	valid := []string{"CERT-MARS-000001", "CERT-MARS-123456", "CERT-MARS-1000000"}
	for _, id := range valid {
		if !ValidCertificateID(id) {
			t.Errorf("ValidCertificateID(%q) = false", id)
		}
	}
	invalid := []string{"", "CERT-MARS-", "cert-mars-000001", "CERT-MARS-00001x", "CERT-MOON-000001"}
	for _, id := range invalid {
		if ValidCertificateID(id) {
			t.Errorf("ValidCertificateID(%q) = true", id)
		}
	}
}

func TestVerificationHashDeterministic(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	a := VerificationHash("CERT-MARS-000001", "MARS-A1", at)
	b := VerificationHash("CERT-MARS-000001", "MARS-A1", at)
	if a != b {
		t.Fatal("hash must be deterministic for identical inputs")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestVerificationHashUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	base := time.UnixMilli(1700000000000)
	for i := 0; i < 10000; i++ {
		h := VerificationHash("CERT-MARS-000001", "MARS-A1", base.Add(time.Duration(i)*time.Millisecond))
		if _, dup := seen[h]; dup {
			t.Fatalf("duplicate hash at i=%d", i)
		}
		seen[h] = struct{}{}
	}
}
