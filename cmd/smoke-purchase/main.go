package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/purchase"
	"github.com/tanloifmc/marsland/internal/stream"
)

// Drives one full purchase against the in-memory ledger and the sandbox
// gateway, then re-runs the dangerous race by hand.
func main() {
	log.SetFlags(0)

	ledger := land.NewInMemory()
	ledger.SeedParcel(land.Parcel{
		ID:    "MARS-SMOKE-0001",
		Lat:   14.5,
		Lng:   -59.2,
		Price: land.Price{Currency: "USD", Amount: decimal.RequireFromString("99.00")},
	})
	ledger.SeedParcel(land.Parcel{
		ID:    "MARS-SMOKE-0002",
		Lat:   -4.5,
		Lng:   137.4,
		Price: land.Price{Currency: "USD", Amount: decimal.RequireFromString("99.00")},
	})

	svc := purchase.NewService(ledger, purchase.NewSandboxGateway(), nil, stream.New(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	price := land.Price{Currency: "USD", Amount: decimal.RequireFromString("99.00")}

	intent, err := svc.CreateParcelOrder(ctx, "smoke-buyer", "MARS-SMOKE-0001", price)
	if err != nil {
		log.Fatalf("create order: %v", err)
	}
	res, err := svc.CaptureParcelOrder(ctx, "smoke-buyer", "MARS-SMOKE-0001", intent.OrderID)
	if err != nil {
		log.Fatalf("capture order: %v", err)
	}
	if res.Certificate.ID == "" || res.Certificate.VerificationHash == "" {
		log.Fatalf("incomplete certificate: %+v", res.Certificate)
	}

	parcel, err := ledger.GetParcel(ctx, "MARS-SMOKE-0001")
	if err != nil {
		log.Fatalf("get parcel: %v", err)
	}
	if !parcel.Owned || parcel.OwnerID == nil || *parcel.OwnerID != "smoke-buyer" {
		log.Fatalf("ownership not transferred: %+v", parcel)
	}

	// Idempotent re-capture must return the same certificate.
	again, err := svc.CaptureParcelOrder(ctx, "smoke-buyer", "MARS-SMOKE-0001", intent.OrderID)
	if err != nil {
		log.Fatalf("re-capture: %v", err)
	}
	if again.Certificate.ID != res.Certificate.ID {
		log.Fatalf("re-capture issued a new certificate: %s vs %s", again.Certificate.ID, res.Certificate.ID)
	}

	// Captured-payment race: rival claims the parcel between order and capture.
	intent2, err := svc.CreateParcelOrder(ctx, "smoke-buyer", "MARS-SMOKE-0002", price)
	if err != nil {
		log.Fatalf("create second order: %v", err)
	}
	if _, err := ledger.ClaimParcel(ctx, "MARS-SMOKE-0002", "rival-buyer"); err != nil {
		log.Fatalf("rival claim: %v", err)
	}
	_, err = svc.CaptureParcelOrder(ctx, "smoke-buyer", "MARS-SMOKE-0002", intent2.OrderID)
	if !errors.Is(err, purchase.ErrOwnershipConflict) {
		log.Fatalf("expected ownership conflict, got: %v", err)
	}
	orphans, err := ledger.FindCompletedPaymentsWithoutCertificate(ctx, 0)
	if err != nil {
		log.Fatalf("reconciliation sweep: %v", err)
	}
	if len(orphans) != 1 {
		log.Fatalf("expected 1 orphaned payment, got %d", len(orphans))
	}

	fmt.Printf("✅ purchase smoke test passed: certificate=%s hash=%s\n",
		res.Certificate.ID, res.Certificate.VerificationHash)
}
