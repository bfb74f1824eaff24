package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tanloifmc/marsland/internal/auth"
	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/paypal"
	"github.com/tanloifmc/marsland/internal/purchase"
	"github.com/tanloifmc/marsland/internal/stream"
)

type stubGateway struct {
	mu         sync.Mutex
	captures   int
	captureErr error
}

func (g *stubGateway) CreateOrder(ctx context.Context, referenceID, value, currency, description string) (string, error) {
	return "ORDER-" + referenceID, nil
}

func (g *stubGateway) CaptureOrder(ctx context.Context, orderID string) (paypal.CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return paypal.CaptureResult{}, g.captureErr
	}
	g.captures++
	return paypal.CaptureResult{
		OrderID:  orderID,
		Status:   "COMPLETED",
		Amount:   "99.00",
		Currency: "USD",
		Raw:      []byte(`{"status":"COMPLETED"}`),
	}, nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	ledger  *land.InMemory
	gateway *stubGateway
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("MARSLAND_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	ledger := land.NewInMemory()
	ledger.SeedParcel(land.Parcel{
		ID:    "MARS-A1",
		Lat:   14.5,
		Lng:   -59.2,
		Price: land.Price{Currency: "USD", Amount: decimal.RequireFromString("99.00")},
	})
	ledger.SeedParcel(land.Parcel{
		ID:    "MARS-A2",
		Lat:   -4.5,
		Lng:   137.4,
		Price: land.Price{Currency: "USD", Amount: decimal.RequireFromString("149.00")},
	})

	gw := &stubGateway{}
	svc := purchase.NewService(ledger, gw, nil, stream.New(), nil)

	api := New(ReadyProbe{}, "test", ledger, svc, stream.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		ledger:  ledger,
		gateway: gw,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authHeader(user string, roles ...string) map[string]string {
	if len(roles) == 0 {
		roles = []string{"buyer"}
	}
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(user, roles)}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestParcelPurchaseFlow(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-1")

	resp := api.post("/v1/paypal/create-order", map[string]any{
		"land_id":  "MARS-A1",
		"amount":   "99.00",
		"currency": "USD",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create-order status: %d", resp.StatusCode)
	}
	created := decode[createOrderResponse](t, resp)
	if created.OrderID == "" || created.Status != "order_created" {
		t.Fatalf("unexpected create-order response: %+v", created)
	}

	resp = api.post("/v1/paypal/capture-order", map[string]any{
		"orderID": created.OrderID,
		"land_id": "MARS-A1",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture-order status: %d", resp.StatusCode)
	}
	captured := decode[captureOrderResponse](t, resp)
	if captured.Status != "COMPLETED" {
		t.Fatalf("capture status: %s", captured.Status)
	}
	if captured.CertificateID == "" || captured.VerificationHash == "" {
		t.Fatalf("incomplete capture response: %+v", captured)
	}

	// Parcel is now listed as owned.
	resp = api.get("/v1/lands/MARS-A1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get land status: %d", resp.StatusCode)
	}
	parcel := decode[map[string]any](t, resp)
	if parcel["owned"] != true {
		t.Fatalf("parcel not owned after purchase: %v", parcel)
	}

	// Public verification lookup.
	resp = api.get("/v1/certificates/verify", url.Values{"hash": []string{captured.VerificationHash}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	verified := decode[map[string]any](t, resp)
	if verified["valid"] != true || verified["certificate_id"] != captured.CertificateID {
		t.Fatalf("unexpected verify response: %v", verified)
	}
}

func TestCreateOrderPriceMismatch(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-1")

	resp := api.post("/v1/paypal/create-order", map[string]any{
		"land_id":  "MARS-A1",
		"amount":   "50.00",
		"currency": "USD",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateOrderOwnedParcelConflict(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-2")

	if _, err := api.ledger.ClaimParcel(context.Background(), "MARS-A1", "buyer-1"); err != nil {
		t.Fatal(err)
	}

	resp := api.post("/v1/paypal/create-order", map[string]any{
		"land_id":  "MARS-A1",
		"amount":   "99.00",
		"currency": "USD",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestCaptureOrderDeclined(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-1")
	api.gateway.captureErr = paypal.ErrPaymentIncomplete

	resp := api.post("/v1/paypal/capture-order", map[string]any{
		"orderID": "ORDER-MARS-A1",
		"land_id": "MARS-A1",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
}

func TestCaptureOrderOwnershipConflict(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-1")

	if _, err := api.ledger.ClaimParcel(context.Background(), "MARS-A1", "buyer-2"); err != nil {
		t.Fatal(err)
	}

	resp := api.post("/v1/paypal/capture-order", map[string]any{
		"orderID": "ORDER-MARS-A1",
		"land_id": "MARS-A1",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if body["reconciliation_required"] != true {
		t.Fatalf("expected reconciliation_required in body: %v", body)
	}
}

func TestUnknownParcel(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("buyer-1")

	resp := api.post("/v1/paypal/create-order", map[string]any{
		"land_id":  "MARS-NOPE",
		"amount":   "99.00",
		"currency": "USD",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCertificateReviewFlow(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.authHeader("buyer-1")
	admin := api.authHeader("admin-1", "admin")

	resp := api.post("/v1/certificates", map[string]any{
		"land_id":     "MARS-A2",
		"owner_email": "buyer@example.com",
	}, buyer)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request certificate status: %d", resp.StatusCode)
	}
	cert := decode[map[string]any](t, resp)
	certID := cert["certificate_id"].(string)
	if cert["status"] != "pending" {
		t.Fatalf("new certificate status: %v", cert["status"])
	}

	// Non-admin review is forbidden.
	resp = api.post("/v1/certificates/"+certID+"/review", map[string]any{
		"approve": true,
	}, buyer)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin review, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/certificates/"+certID+"/review", map[string]any{
		"approve": true,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review status: %d", resp.StatusCode)
	}
	reviewed := decode[map[string]any](t, resp)
	if reviewed["status"] != "approved" {
		t.Fatalf("reviewed status: %v", reviewed["status"])
	}

	// Pay for the approved certificate.
	resp = api.post("/v1/paypal/create-order", map[string]any{
		"certificate_id": certID,
		"amount":         "149.00",
		"currency":       "USD",
	}, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("certificate create-order status: %d", resp.StatusCode)
	}
	created := decode[createOrderResponse](t, resp)

	resp = api.post("/v1/paypal/capture-order", map[string]any{
		"orderID":        created.OrderID,
		"certificate_id": certID,
	}, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("certificate capture status: %d", resp.StatusCode)
	}
	captured := decode[captureOrderResponse](t, resp)
	if captured.CertificateID != certID || captured.VerificationHash == "" {
		t.Fatalf("unexpected capture response: %+v", captured)
	}

	resp = api.get("/v1/certificates/"+certID, nil, buyer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get certificate status: %d", resp.StatusCode)
	}
	final := decode[map[string]any](t, resp)
	if final["status"] != "issued" {
		t.Fatalf("final status: %v", final["status"])
	}
}

func TestReviewRejectionRequiresReason(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.authHeader("buyer-1")
	admin := api.authHeader("admin-1", "admin")

	resp := api.post("/v1/certificates", map[string]any{
		"land_id":     "MARS-A1",
		"owner_email": "buyer@example.com",
	}, buyer)
	cert := decode[map[string]any](t, resp)
	certID := cert["certificate_id"].(string)

	resp = api.post("/v1/certificates/"+certID+"/review", map[string]any{
		"approve": false,
	}, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for rejection without reason, got %d", resp.StatusCode)
	}
}

func TestListLands(t *testing.T) {
	api := newTestAPI(t)

	if _, err := api.ledger.ClaimParcel(context.Background(), "MARS-A1", "buyer-1"); err != nil {
		t.Fatal(err)
	}

	resp := api.get("/v1/lands", url.Values{"available": []string{"true"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list lands status: %d", resp.StatusCode)
	}
	payload := decode[listLandsResponse](t, resp)
	if len(payload.Items) != 1 || payload.Items[0].ID != "MARS-A2" {
		t.Fatalf("unexpected available lands: %+v", payload.Items)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/paypal/create-order", map[string]any{
		"land_id":  "MARS-A1",
		"amount":   "99.00",
		"currency": "USD",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestVerifyUnknownHash(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/certificates/verify", url.Values{"hash": []string{"deadbeef"}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
