package httpapi

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/tanloifmc/marsland/internal/auth"
	"github.com/tanloifmc/marsland/internal/land"
)

type requestCertificateRequest struct {
	LandID     string `json:"land_id"`
	OwnerEmail string `json:"owner_email"`
}

type reviewCertificateRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (a *API) handleCertificatesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.requestCertificate(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCertificateResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/certificates/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/review") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/review"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "certificate not found")
			return
		}
		a.reviewCertificate(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getCertificate(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) requestCertificate(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req requestCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.LandID) == "" {
		writeError(w, r, http.StatusBadRequest, "land_id is required")
		return
	}
	email := strings.TrimSpace(req.OwnerEmail)
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "owner_email is required")
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, r, http.StatusBadRequest, "owner_email is not a valid address")
		return
	}

	cert, err := a.purchases.RequestCertificate(r.Context(), buyerID, email, strings.TrimSpace(req.LandID))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/certificates/"+cert.ID)
	writeJSON(w, http.StatusCreated, cert)
}

func (a *API) getCertificate(w http.ResponseWriter, r *http.Request, id string) {
	cert, err := a.ledger.GetCertificate(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (a *API) reviewCertificate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
		return
	}

	var req reviewCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Approve && strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required when rejecting")
		return
	}

	if err := a.purchases.ReviewCertificate(r.Context(), id, req.Approve, req.Reason); err != nil {
		handleDomainError(w, r, err)
		return
	}

	cert, err := a.ledger.GetCertificate(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// handleVerifyCertificate is the public ownership lookup: anyone holding a
// verification hash can confirm the certificate it belongs to.
func (a *API) handleVerifyCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	hash := strings.TrimSpace(r.URL.Query().Get("hash"))
	if hash == "" {
		writeError(w, r, http.StatusBadRequest, "hash query parameter is required")
		return
	}

	cert, err := a.ledger.GetCertificateByHash(r.Context(), hash)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":          cert.Status == land.CertificateIssued,
		"certificate_id": cert.ID,
		"land_id":        cert.ParcelID,
		"status":         cert.Status,
		"issued_at":      cert.IssuedAt,
	})
}
