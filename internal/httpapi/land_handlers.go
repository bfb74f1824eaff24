package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tanloifmc/marsland/internal/land"
)

type listLandsResponse struct {
	Items []land.Parcel `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

func (a *API) handleLandsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listLands(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleLandResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/lands/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getLand(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) listLands(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	onlyAvailable := r.URL.Query().Get("available") == "true"

	items, err := a.ledger.ListParcels(r.Context(), onlyAvailable, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listLandsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) getLand(w http.ResponseWriter, r *http.Request, id string) {
	parcel, err := a.ledger.GetParcel(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parcel)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
