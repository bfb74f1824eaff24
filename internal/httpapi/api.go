// Package httpapi is the HTTP layer of the Mars land registry: payment
// order endpoints, certificate lifecycle, catalog reads and the purchase
// event stream.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/obs"
	"github.com/tanloifmc/marsland/internal/purchase"
	"github.com/tanloifmc/marsland/internal/stream"
)

// ReadyProbe reports backend readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	ledger    land.Ledger
	purchases *purchase.Service
	events    *stream.Stream

	rateBurst  int
	ratePerSec float64
}

func New(rp ReadyProbe, version string, ledger land.Ledger, purchases *purchase.Service, events *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		ledger:     ledger,
		purchases:  purchases,
		events:     events,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/paypal/create-order", a.handleCreateOrder)
	a.mux.HandleFunc("/v1/paypal/capture-order", a.handleCaptureOrder)

	a.mux.HandleFunc("/v1/certificates", a.handleCertificatesCollection)
	a.mux.HandleFunc("/v1/certificates/verify", a.handleVerifyCertificate)
	a.mux.HandleFunc("/v1/certificates/", a.handleCertificateResource)

	a.mux.HandleFunc("/v1/lands", a.handleLandsCollection)
	a.mux.HandleFunc("/v1/lands/", a.handleLandResource)

	a.mux.HandleFunc("/v1/purchases/stream", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the default per-IP limiter; call before Handler.
func (a *API) SetRateLimit(burst int, perSecond float64) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler wires the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = obs.Instrument(h)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "marsland-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "marsland-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
