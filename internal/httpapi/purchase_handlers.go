package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tanloifmc/marsland/internal/auth"
	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/paypal"
	"github.com/tanloifmc/marsland/internal/purchase"
)

type createOrderRequest struct {
	LandID        string `json:"land_id"`
	CertificateID string `json:"certificate_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type captureOrderRequest struct {
	OrderID       string `json:"orderID"`
	LandID        string `json:"land_id"`
	CertificateID string `json:"certificate_id"`
}

type captureOrderResponse struct {
	Status           string `json:"status"`
	PaymentID        string `json:"paymentID"`
	CertificateID    string `json:"certificateId"`
	VerificationHash string `json:"verificationHash"`
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	buyerID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	landID := strings.TrimSpace(req.LandID)
	certID := strings.TrimSpace(req.CertificateID)
	if (landID == "") == (certID == "") {
		writeError(w, r, http.StatusBadRequest, "exactly one of land_id or certificate_id is required")
		return
	}
	quoted, err := parsePrice(req.Amount, req.Currency)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var intent purchase.OrderIntent
	if landID != "" {
		intent, err = a.purchases.CreateParcelOrder(r.Context(), buyerID, landID, quoted)
	} else {
		intent, err = a.purchases.CreateCertificateOrder(r.Context(), buyerID, certID, quoted)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID: intent.OrderID,
		Status:  string(intent.State),
	})
}

func (a *API) handleCaptureOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	buyerID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req captureOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		writeError(w, r, http.StatusBadRequest, "orderID is required")
		return
	}
	landID := strings.TrimSpace(req.LandID)
	certID := strings.TrimSpace(req.CertificateID)
	if (landID == "") == (certID == "") {
		writeError(w, r, http.StatusBadRequest, "exactly one of land_id or certificate_id is required")
		return
	}

	var (
		res purchase.Result
		err error
	)
	if landID != "" {
		res, err = a.purchases.CaptureParcelOrder(r.Context(), buyerID, landID, orderID)
	} else {
		res, err = a.purchases.CaptureCertificateOrder(r.Context(), buyerID, certID, orderID)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, captureOrderResponse{
		Status:           "COMPLETED",
		PaymentID:        orderID,
		CertificateID:    res.Certificate.ID,
		VerificationHash: res.Certificate.VerificationHash,
	})
}

func parsePrice(amount, currency string) (land.Price, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return land.Price{}, errors.New("currency is required")
	}
	if len(currency) > 8 {
		return land.Price{}, errors.New("currency code too long")
	}
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return land.Price{}, errors.New("amount is required")
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return land.Price{}, errors.New("amount must be a decimal number")
	}
	p := land.Price{Currency: currency, Amount: dec}
	if !p.IsPositive() {
		return land.Price{}, errors.New("amount must be > 0")
	}
	return p, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, land.ErrPriceMismatch),
		errors.Is(err, land.ErrInvalidAmount),
		errors.Is(err, land.ErrInvalidCurrency),
		errors.Is(err, purchase.ErrCertificateNotApproved),
		errors.Is(err, purchase.ErrNotCertificateOwner):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, paypal.ErrPaymentIncomplete):
		writeError(w, r, http.StatusPaymentRequired, "payment was not completed")
	case errors.Is(err, land.ErrParcelNotFound),
		errors.Is(err, land.ErrCertificateNotFound),
		errors.Is(err, land.ErrPaymentNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, purchase.ErrOwnershipConflict):
		payload := map[string]any{
			"error":                   "payment captured but the parcel was already sold",
			"reconciliation_required": true,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, land.ErrParcelUnavailable),
		errors.Is(err, land.ErrConflict),
		errors.Is(err, land.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, paypal.ErrUpstream), errors.Is(err, paypal.ErrAuthentication):
		writeError(w, r, http.StatusBadGateway, "payment processor unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
