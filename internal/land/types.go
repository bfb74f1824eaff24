package land

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Price is a currency-tagged decimal amount. No floats for money.
type Price struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

func (p Price) IsPositive() bool { return p.Amount.IsPositive() }

// Equal reports whether both the amount and the currency match exactly.
func (p Price) Equal(other Price) bool {
	return strings.EqualFold(p.Currency, other.Currency) && p.Amount.Equal(other.Amount)
}

// Value renders the amount the way the payment processor expects it ("100.00").
func (p Price) Value() string { return p.Amount.StringFixed(2) }

// Parcel is one plot of the Mars land catalog. Ownership transfer is a
// one-way transition performed exactly once by a successful purchase.
type Parcel struct {
	ID          string     `json:"land_id"`
	Lat         float64    `json:"lat"`
	Lng         float64    `json:"lng"`
	Price       Price      `json:"price"`
	Owned       bool       `json:"owned"`
	OwnerID     *string    `json:"owner_id,omitempty"`
	PurchasedAt *time.Time `json:"purchased_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CertificateStatus is the review/issuance state of a certificate.
type CertificateStatus string

const (
	CertificatePending  CertificateStatus = "pending"
	CertificateApproved CertificateStatus = "approved"
	CertificateIssued   CertificateStatus = "issued"
	CertificateRejected CertificateStatus = "rejected"
)

func (s CertificateStatus) Valid() bool {
	switch s {
	case CertificatePending, CertificateApproved, CertificateIssued, CertificateRejected:
		return true
	}
	return false
}

// PaymentStatus tracks the external processor side of a purchase.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Certificate is an ownership certificate for one parcel. Rows are never
// hard-deleted; rejected and issued are terminal statuses.
type Certificate struct {
	ID               string            `json:"certificate_id"`
	ParcelID         string            `json:"land_id"`
	OwnerID          string            `json:"owner_id"`
	OwnerEmail       string            `json:"owner_email,omitempty"`
	Status           CertificateStatus `json:"status"`
	PaymentID        string            `json:"payment_id,omitempty"`
	PaymentStatus    PaymentStatus     `json:"payment_status"`
	PaymentAmount    decimal.Decimal   `json:"payment_amount"`
	PaymentCurrency  string            `json:"payment_currency,omitempty"`
	VerificationHash string            `json:"verification_hash,omitempty"`
	RequestedAt      time.Time         `json:"requested_at"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	IssuedAt         *time.Time        `json:"issued_at,omitempty"`
	RejectedReason   string            `json:"rejected_reason,omitempty"`
}

// PaymentTransaction is an append/update-only audit row for one
// order-creation/capture exchange. Re-attempts create new rows.
type PaymentTransaction struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"payment_id"`
	ParcelID      string          `json:"land_id,omitempty"`
	CertificateID string          `json:"certificate_id,omitempty"`
	BuyerID       string          `json:"buyer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        PaymentStatus   `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CertificatePayment carries the captured-payment fields applied when an
// approved certificate transitions to issued.
type CertificatePayment struct {
	PaymentID        string
	Amount           decimal.Decimal
	Currency         string
	VerificationHash string
}

var (
	ErrParcelNotFound      = errors.New("parcel not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrPaymentNotFound     = errors.New("payment transaction not found")
	ErrParcelUnavailable   = errors.New("parcel is not available")
	ErrPriceMismatch       = errors.New("quoted price does not match parcel price")
	ErrConflict            = errors.New("certificate id or hash already exists")
	ErrInvalidTransition   = errors.New("invalid certificate status transition")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrInvalidCurrency     = errors.New("invalid currency")
)
