package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tanloifmc/marsland/internal/land"
)

func testCertificate() land.Certificate {
	return land.Certificate{
		ID:               "CERT-MARS-000042",
		ParcelID:         "MARS-A1-0042",
		OwnerID:          "buyer-1",
		Status:           land.CertificateIssued,
		PaymentAmount:    decimal.RequireFromString("100"),
		PaymentCurrency:  "USD",
		VerificationHash: "abc123",
	}
}

func TestCertificateIssuedDispatchesBothTriggers(t *testing.T) {
	var pdfCalls, emailCalls atomic.Int64
	var gotEmail map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/pdf", func(w http.ResponseWriter, r *http.Request) {
		pdfCalls.Add(1)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode pdf payload: %v", err)
		}
		if body["certificate_id"] != "CERT-MARS-000042" || body["language"] != "en" {
			t.Errorf("unexpected pdf payload: %v", body)
		}
	})
	mux.HandleFunc("/email", func(w http.ResponseWriter, r *http.Request) {
		emailCalls.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&gotEmail)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDispatcher(Config{
		PDFEndpoint:   srv.URL + "/pdf",
		EmailEndpoint: srv.URL + "/email",
	}, srv.Client(), zap.NewNop())

	d.CertificateIssued(context.Background(), testCertificate(), "buyer@example.com")

	if pdfCalls.Load() != 1 || emailCalls.Load() != 1 {
		t.Fatalf("expected one call each, got pdf=%d email=%d", pdfCalls.Load(), emailCalls.Load())
	}
	if gotEmail["to"] != "buyer@example.com" || gotEmail["template"] != "certificate_issued" {
		t.Fatalf("unexpected email payload: %v", gotEmail)
	}
}

func TestFailuresAreLoggedNotPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	core, recorded := observer.New(zap.WarnLevel)
	d := NewDispatcher(Config{
		PDFEndpoint:   srv.URL + "/pdf",
		EmailEndpoint: srv.URL + "/email",
	}, srv.Client(), zap.New(core))

	// Must not panic or return anything; both failures land in the log.
	d.CertificateIssued(context.Background(), testCertificate(), "buyer@example.com")

	if got := len(recorded.All()); got != 2 {
		t.Fatalf("expected two warn entries, got %d", got)
	}
}
