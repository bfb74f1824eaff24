// Package purchase drives the payment-to-certificate issuance workflow:
// order creation against the external processor, capture, ownership
// transfer and certificate issuance as one logical unit with explicit
// terminal states under partial failure.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tanloifmc/marsland/internal/audit"
	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/obs"
	"github.com/tanloifmc/marsland/internal/paypal"
	"github.com/tanloifmc/marsland/internal/stream"
)

// State is the terminal (or intermediate) state of one workflow attempt.
// Failure states are terminal for the attempt; a new attempt is a new
// workflow instance with a fresh external order id.
type State string

const (
	StateInitiated            State = "initiated"
	StateOrderCreated         State = "order_created"
	StateCaptured             State = "captured"
	StateOwnershipTransferred State = "ownership_transferred"
	StateCertificateIssued    State = "certificate_issued"

	StateOrderCreationFailed State = "order_creation_failed"
	StateCaptureFailed       State = "capture_failed"
	StateOwnershipConflict   State = "ownership_conflict"
	StateIssuanceFailed      State = "issuance_failed"
)

var (
	// ErrOwnershipConflict marks the one genuinely dangerous outcome: the
	// payment was captured but the parcel claim lost the race. Surfaced
	// distinctly because it requires manual reconciliation (refund or
	// manual grant), never as a generic failure.
	ErrOwnershipConflict = errors.New("payment captured but parcel claim failed; manual reconciliation required")

	// ErrCertificateNotApproved rejects payment flows over certificates
	// that have not passed admin review.
	ErrCertificateNotApproved = errors.New("certificate must be approved before payment")

	// ErrNotCertificateOwner rejects capture attempts by anyone other than
	// the requesting owner.
	ErrNotCertificateOwner = errors.New("certificate belongs to a different owner")
)

// Gateway is the slice of the payment processor the orchestrator needs.
type Gateway interface {
	CreateOrder(ctx context.Context, referenceID, value, currency, description string) (string, error)
	CaptureOrder(ctx context.Context, orderID string) (paypal.CaptureResult, error)
}

// Notifier delivers post-issuance side effects. Implementations must treat
// every failure as their own problem; the purchase is already committed.
type Notifier interface {
	CertificateIssued(ctx context.Context, cert land.Certificate, recipient string)
}

// OrderIntent is the result of a successful order creation.
type OrderIntent struct {
	OrderID string `json:"order_id"`
	State   State  `json:"state"`
}

// Result is the outcome of a capture attempt.
type Result struct {
	State       State            `json:"state"`
	OrderID     string           `json:"order_id"`
	Certificate land.Certificate `json:"certificate,omitempty"`
}

// Service orchestrates purchases. All cross-request coordination is
// delegated to the ledger's conditional writes; the service itself holds no
// shared mutable state.
type Service struct {
	ledger   land.Ledger
	gateway  Gateway
	notifier Notifier
	events   *stream.Stream
	logger   *zap.Logger

	idRetries     int
	notifyTimeout time.Duration
}

func NewService(ledger land.Ledger, gateway Gateway, notifier Notifier, events *stream.Stream, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:        ledger,
		gateway:       gateway,
		notifier:      notifier,
		events:        events,
		logger:        logger,
		idRetries:     3,
		notifyTimeout: 15 * time.Second,
	}
}

// CreateParcelOrder validates the quote and opens an order with the
// processor, leaving a pending audit row behind. No parcel or certificate
// state is touched.
func (s *Service) CreateParcelOrder(ctx context.Context, buyerID, parcelID string, quoted land.Price) (OrderIntent, error) {
	parcel, err := s.ledger.GetParcel(ctx, parcelID)
	if err != nil {
		return OrderIntent{}, err
	}
	if parcel.Owned {
		return OrderIntent{}, land.ErrParcelUnavailable
	}
	if !quoted.Equal(parcel.Price) {
		return OrderIntent{}, land.ErrPriceMismatch
	}

	orderID, err := s.gateway.CreateOrder(ctx, parcelID, parcel.Price.Value(), parcel.Price.Currency,
		"Mars Land Parcel - "+parcelID)
	if err != nil {
		obs.ObservePurchaseState(string(StateOrderCreationFailed))
		return OrderIntent{}, fmt.Errorf("create order for parcel %s: %w", parcelID, err)
	}

	s.recordIntent(ctx, land.PaymentTransaction{
		PaymentID: orderID,
		ParcelID:  parcelID,
		BuyerID:   buyerID,
		Amount:    parcel.Price.Amount,
		Currency:  parcel.Price.Currency,
		Status:    land.PaymentPending,
	})

	return OrderIntent{OrderID: orderID, State: StateOrderCreated}, nil
}

// CaptureParcelOrder captures the payment and, on success, transfers
// ownership and issues the certificate. Re-capturing an already-issued
// order returns the existing certificate without charging or claiming again.
func (s *Service) CaptureParcelOrder(ctx context.Context, buyerID, parcelID, orderID string) (Result, error) {
	if cert, err := s.ledger.GetCertificateByPaymentID(ctx, orderID); err == nil && cert.Status == land.CertificateIssued {
		return Result{State: StateCertificateIssued, OrderID: orderID, Certificate: cert}, nil
	}

	parcel, err := s.ledger.GetParcel(ctx, parcelID)
	if err != nil {
		return Result{}, err
	}

	capture, err := s.capture(ctx, orderID)
	if err != nil {
		return Result{State: StateCaptureFailed, OrderID: orderID}, err
	}

	if _, err := s.ledger.ClaimParcel(ctx, parcelID, buyerID); err != nil {
		return s.claimFailed(ctx, buyerID, parcelID, orderID, err)
	}

	cert, err := s.issueForParcel(ctx, buyerID, parcel, capture)
	if err != nil {
		obs.ObservePurchaseState(string(StateIssuanceFailed))
		s.logger.Error("certificate issuance failed after ownership transfer",
			zap.String("payment_id", orderID),
			zap.String("land_id", parcelID),
			zap.String("buyer_id", buyerID),
			zap.Error(err))
		return Result{State: StateIssuanceFailed, OrderID: orderID}, err
	}

	s.finish(ctx, cert, buyerID)
	return Result{State: StateCertificateIssued, OrderID: orderID, Certificate: cert}, nil
}

// RequestCertificate creates a pending certificate ahead of payment for the
// admin review queue.
func (s *Service) RequestCertificate(ctx context.Context, buyerID, buyerEmail, parcelID string) (land.Certificate, error) {
	parcel, err := s.ledger.GetParcel(ctx, parcelID)
	if err != nil {
		return land.Certificate{}, err
	}

	var lastErr error
	for attempt := 0; attempt < s.idRetries; attempt++ {
		latest, err := s.ledger.LatestCertificateID(ctx)
		if err != nil {
			return land.Certificate{}, err
		}
		cert := land.Certificate{
			ID:            land.NextCertificateID(latest),
			ParcelID:      parcel.ID,
			OwnerID:       buyerID,
			OwnerEmail:    strings.TrimSpace(buyerEmail),
			Status:        land.CertificatePending,
			PaymentStatus: land.PaymentPending,
			RequestedAt:   time.Now().UTC(),
		}
		created, err := s.ledger.CreateCertificate(ctx, cert)
		if err == nil {
			_ = audit.LogEvent(ctx, "certificate.requested", map[string]any{
				"certificate_id": created.ID,
				"land_id":        parcel.ID,
			})
			return created, nil
		}
		if !errors.Is(err, land.ErrConflict) {
			return land.Certificate{}, err
		}
		lastErr = err
	}
	return land.Certificate{}, fmt.Errorf("allocate certificate id: %w", lastErr)
}

// ReviewCertificate applies an admin decision: pending -> approved or
// pending -> rejected.
func (s *Service) ReviewCertificate(ctx context.Context, certificateID string, approve bool, reason string) error {
	to := land.CertificateApproved
	if !approve {
		to = land.CertificateRejected
	}
	if err := s.ledger.TransitionCertificateStatus(ctx, certificateID, land.CertificatePending, to, reason); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "certificate.reviewed", map[string]any{
		"certificate_id": certificateID,
		"decision":       string(to),
	})
	return nil
}

// CreateCertificateOrder opens a payment order for an approved certificate.
func (s *Service) CreateCertificateOrder(ctx context.Context, buyerID, certificateID string, quoted land.Price) (OrderIntent, error) {
	cert, err := s.ledger.GetCertificate(ctx, certificateID)
	if err != nil {
		return OrderIntent{}, err
	}
	if cert.OwnerID != buyerID {
		return OrderIntent{}, ErrNotCertificateOwner
	}
	if cert.Status != land.CertificateApproved {
		return OrderIntent{}, ErrCertificateNotApproved
	}
	parcel, err := s.ledger.GetParcel(ctx, cert.ParcelID)
	if err != nil {
		return OrderIntent{}, err
	}
	if !quoted.Equal(parcel.Price) {
		return OrderIntent{}, land.ErrPriceMismatch
	}

	orderID, err := s.gateway.CreateOrder(ctx, certificateID, parcel.Price.Value(), parcel.Price.Currency,
		"Mars Land Certificate - "+certificateID)
	if err != nil {
		obs.ObservePurchaseState(string(StateOrderCreationFailed))
		return OrderIntent{}, fmt.Errorf("create order for certificate %s: %w", certificateID, err)
	}

	s.recordIntent(ctx, land.PaymentTransaction{
		PaymentID:     orderID,
		ParcelID:      cert.ParcelID,
		CertificateID: certificateID,
		BuyerID:       buyerID,
		Amount:        parcel.Price.Amount,
		Currency:      parcel.Price.Currency,
		Status:        land.PaymentPending,
	})

	return OrderIntent{OrderID: orderID, State: StateOrderCreated}, nil
}

// CaptureCertificateOrder captures payment for an approved certificate and
// finalizes it as issued, claiming the underlying parcel.
func (s *Service) CaptureCertificateOrder(ctx context.Context, buyerID, certificateID, orderID string) (Result, error) {
	cert, err := s.ledger.GetCertificate(ctx, certificateID)
	if err != nil {
		return Result{}, err
	}
	if cert.Status == land.CertificateIssued && cert.PaymentID == orderID {
		return Result{State: StateCertificateIssued, OrderID: orderID, Certificate: cert}, nil
	}
	if cert.OwnerID != buyerID {
		return Result{}, ErrNotCertificateOwner
	}
	if cert.Status != land.CertificateApproved {
		return Result{}, ErrCertificateNotApproved
	}

	capture, err := s.capture(ctx, orderID)
	if err != nil {
		return Result{State: StateCaptureFailed, OrderID: orderID}, err
	}

	if _, err := s.ledger.ClaimParcel(ctx, cert.ParcelID, buyerID); err != nil {
		return s.claimFailed(ctx, buyerID, cert.ParcelID, orderID, err)
	}

	amount := capturedAmount(capture)
	issued, err := s.ledger.MarkCertificateIssued(ctx, certificateID, land.CertificatePayment{
		PaymentID:        orderID,
		Amount:           amount,
		Currency:         capture.Currency,
		VerificationHash: land.VerificationHash(certificateID, cert.ParcelID, time.Now().UTC()),
	})
	if err != nil {
		obs.ObservePurchaseState(string(StateIssuanceFailed))
		s.logger.Error("certificate finalization failed after ownership transfer",
			zap.String("payment_id", orderID),
			zap.String("certificate_id", certificateID),
			zap.String("buyer_id", buyerID),
			zap.Error(err))
		return Result{State: StateIssuanceFailed, OrderID: orderID}, err
	}

	s.finish(ctx, issued, buyerID)
	return Result{State: StateCertificateIssued, OrderID: orderID, Certificate: issued}, nil
}

// capture drives the processor capture and keeps the audit row in step:
// failed on any capture error, completed as soon as the money is taken.
func (s *Service) capture(ctx context.Context, orderID string) (paypal.CaptureResult, error) {
	capture, err := s.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		obs.ObservePurchaseState(string(StateCaptureFailed))
		if uerr := s.ledger.UpdatePaymentTransactionStatus(ctx, orderID, land.PaymentFailed, nil); uerr != nil {
			s.logger.Warn("payment transaction update failed",
				zap.String("payment_id", orderID), zap.Error(uerr))
		}
		return paypal.CaptureResult{}, fmt.Errorf("capture order %s: %w", orderID, err)
	}

	// Completed is recorded before ownership transfer so an OwnershipConflict
	// leaves a completed payment row with no certificate, detectable by the
	// reconciliation sweep.
	if uerr := s.ledger.UpdatePaymentTransactionStatus(ctx, orderID, land.PaymentCompleted, capture.Raw); uerr != nil {
		s.logger.Warn("payment transaction update failed",
			zap.String("payment_id", orderID), zap.Error(uerr))
	}
	return capture, nil
}

func (s *Service) claimFailed(ctx context.Context, buyerID, parcelID, orderID string, err error) (Result, error) {
	if errors.Is(err, land.ErrParcelUnavailable) {
		obs.ObservePurchaseState(string(StateOwnershipConflict))
		s.logger.Error("ownership conflict: payment captured, claim lost",
			zap.String("payment_id", orderID),
			zap.String("land_id", parcelID),
			zap.String("buyer_id", buyerID))
		_ = audit.LogEvent(ctx, "purchase.ownership_conflict", map[string]any{
			"payment_id": orderID,
			"land_id":    parcelID,
			"buyer_id":   buyerID,
		})
		return Result{State: StateOwnershipConflict, OrderID: orderID}, ErrOwnershipConflict
	}
	obs.ObservePurchaseState(string(StateIssuanceFailed))
	s.logger.Error("parcel claim failed after capture",
		zap.String("payment_id", orderID),
		zap.String("land_id", parcelID),
		zap.String("buyer_id", buyerID),
		zap.Error(err))
	return Result{State: StateIssuanceFailed, OrderID: orderID}, fmt.Errorf("claim parcel %s: %w", parcelID, err)
}

// issueForParcel allocates the certificate id and inserts the issued row,
// regenerating the id from the stored latest when a concurrent issuance
// wins the unique constraint.
func (s *Service) issueForParcel(ctx context.Context, buyerID string, parcel land.Parcel, capture paypal.CaptureResult) (land.Certificate, error) {
	amount := capturedAmount(capture)
	var lastErr error
	for attempt := 0; attempt < s.idRetries; attempt++ {
		latest, err := s.ledger.LatestCertificateID(ctx)
		if err != nil {
			return land.Certificate{}, err
		}
		now := time.Now().UTC()
		certID := land.NextCertificateID(latest)
		cert := land.Certificate{
			ID:               certID,
			ParcelID:         parcel.ID,
			OwnerID:          buyerID,
			Status:           land.CertificateIssued,
			PaymentID:        capture.OrderID,
			PaymentStatus:    land.PaymentCompleted,
			PaymentAmount:    amount,
			PaymentCurrency:  capture.Currency,
			VerificationHash: land.VerificationHash(certID, parcel.ID, now),
			RequestedAt:      now,
			IssuedAt:         &now,
		}
		issued, err := s.ledger.IssueCertificate(ctx, cert)
		if err == nil {
			return issued, nil
		}
		if !errors.Is(err, land.ErrConflict) {
			return land.Certificate{}, err
		}
		lastErr = err
	}
	return land.Certificate{}, fmt.Errorf("issue certificate: %w", lastErr)
}

// finish runs the committed-purchase side effects: metrics, audit, the
// event stream, and the detached best-effort notification.
func (s *Service) finish(ctx context.Context, cert land.Certificate, buyerID string) {
	obs.ObservePurchaseState(string(StateCertificateIssued))
	_ = audit.LogEvent(ctx, "purchase.certificate_issued", map[string]any{
		"certificate_id": cert.ID,
		"land_id":        cert.ParcelID,
		"payment_id":     cert.PaymentID,
	})
	if s.events != nil {
		s.events.Publish(stream.PurchaseEvent{
			ParcelID:      cert.ParcelID,
			CertificateID: cert.ID,
			BuyerID:       buyerID,
			Amount:        cert.PaymentAmount.StringFixed(2),
			Currency:      cert.PaymentCurrency,
			State:         string(StateCertificateIssued),
		})
	}
	if s.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		go func() {
			defer cancel()
			s.notifier.CertificateIssued(notifyCtx, cert, cert.OwnerEmail)
		}()
	}
}

// recordIntent persists the pending audit row; per the ledger contract its
// failure never fails the workflow.
func (s *Service) recordIntent(ctx context.Context, pt land.PaymentTransaction) {
	if _, err := s.ledger.RecordPaymentTransaction(ctx, pt); err != nil {
		s.logger.Warn("payment transaction record failed",
			zap.String("payment_id", pt.PaymentID),
			zap.String("land_id", pt.ParcelID),
			zap.Error(err))
	}
}

func capturedAmount(capture paypal.CaptureResult) decimal.Decimal {
	amount, err := decimal.NewFromString(capture.Amount)
	if err != nil {
		return decimal.Zero
	}
	return amount
}
