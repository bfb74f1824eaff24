package purchase

import (
	"context"
	"sync"

	"github.com/tanloifmc/marsland/internal/ids"
	"github.com/tanloifmc/marsland/internal/paypal"
)

// SandboxGateway is an in-process processor stand-in used when no PayPal
// credentials are configured: every order is accepted and every capture
// completes with the amount quoted at order creation.
type SandboxGateway struct {
	mu     sync.Mutex
	orders map[string]sandboxOrder
}

type sandboxOrder struct {
	value    string
	currency string
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{orders: make(map[string]sandboxOrder)}
}

func (g *SandboxGateway) CreateOrder(ctx context.Context, referenceID, value, currency, description string) (string, error) {
	orderID := "SANDBOX-" + ids.New()
	g.mu.Lock()
	g.orders[orderID] = sandboxOrder{value: value, currency: currency}
	g.mu.Unlock()
	return orderID, nil
}

func (g *SandboxGateway) CaptureOrder(ctx context.Context, orderID string) (paypal.CaptureResult, error) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	g.mu.Unlock()
	if !ok {
		return paypal.CaptureResult{}, paypal.ErrUpstream
	}
	return paypal.CaptureResult{
		OrderID:  orderID,
		Status:   "COMPLETED",
		Amount:   order.value,
		Currency: order.currency,
		Raw:      []byte(`{"status":"COMPLETED","sandbox":true}`),
	}, nil
}
