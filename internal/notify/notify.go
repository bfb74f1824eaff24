// Package notify triggers the post-issuance side effects: certificate PDF
// generation and the buyer email. By the time these run the purchase is
// committed, so every failure here is logged and swallowed.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tanloifmc/marsland/internal/land"
)

// Config points at the side-effect endpoints. Empty endpoints disable the
// corresponding trigger.
type Config struct {
	PDFEndpoint   string
	EmailEndpoint string
	DefaultLang   string
}

type Dispatcher struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewDispatcher(cfg Config, httpClient *http.Client, logger *zap.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, http: httpClient, logger: logger}
}

// CertificateIssued fires the PDF and email triggers independently.
// Each failure is logged at warn and never propagated.
func (d *Dispatcher) CertificateIssued(ctx context.Context, cert land.Certificate, recipient string) {
	if d.cfg.PDFEndpoint != "" {
		payload := map[string]any{
			"certificate_id": cert.ID,
			"language":       d.cfg.DefaultLang,
		}
		if err := d.post(ctx, d.cfg.PDFEndpoint, payload); err != nil {
			d.logger.Warn("pdf generation trigger failed",
				zap.String("certificate_id", cert.ID),
				zap.Error(err))
		}
	}

	if d.cfg.EmailEndpoint != "" && recipient != "" {
		payload := map[string]any{
			"to":             recipient,
			"template":       "certificate_issued",
			"certificate_id": cert.ID,
			"data": map[string]any{
				"certificate_id":    cert.ID,
				"land_id":           cert.ParcelID,
				"payment_amount":    cert.PaymentAmount.StringFixed(2),
				"payment_currency":  cert.PaymentCurrency,
				"verification_hash": cert.VerificationHash,
			},
		}
		if err := d.post(ctx, d.cfg.EmailEndpoint, payload); err != nil {
			d.logger.Warn("email notification failed",
				zap.String("certificate_id", cert.ID),
				zap.String("to", recipient),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
