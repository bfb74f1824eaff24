package land

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanloifmc/marsland/internal/ids"
)

// Ledger owns every write to parcel ownership and certificate status fields.
// Each operation is atomic against the underlying store.
type Ledger interface {
	GetParcel(ctx context.Context, parcelID string) (Parcel, error)
	ListParcels(ctx context.Context, onlyAvailable bool, limit int) ([]Parcel, error)

	// ClaimParcel conditionally transfers ownership iff the parcel is still
	// unowned. Losing the race (or an already-owned parcel) returns
	// ErrParcelUnavailable. This conditional write is the sole double-sale guard.
	ClaimParcel(ctx context.Context, parcelID, buyerID string) (Parcel, error)

	RecordPaymentTransaction(ctx context.Context, pt PaymentTransaction) (PaymentTransaction, error)
	UpdatePaymentTransactionStatus(ctx context.Context, paymentID string, status PaymentStatus, payload json.RawMessage) error
	GetPaymentTransaction(ctx context.Context, paymentID string) (PaymentTransaction, error)

	CreateCertificate(ctx context.Context, cert Certificate) (Certificate, error)
	GetCertificate(ctx context.Context, certificateID string) (Certificate, error)
	GetCertificateByHash(ctx context.Context, hash string) (Certificate, error)
	GetCertificateByPaymentID(ctx context.Context, paymentID string) (Certificate, error)
	LatestCertificateID(ctx context.Context) (string, error)

	// IssueCertificate inserts cert with status issued; a certificate id or
	// verification hash collision returns ErrConflict.
	IssueCertificate(ctx context.Context, cert Certificate) (Certificate, error)

	// TransitionCertificateStatus applies from -> to only when the stored
	// status still equals from; otherwise ErrInvalidTransition (lost update).
	TransitionCertificateStatus(ctx context.Context, certificateID string, from, to CertificateStatus, reason string) error

	// MarkCertificateIssued finalizes an approved certificate after payment
	// capture: status approved -> issued plus payment fields and the
	// verification hash, in one conditional write. A status mismatch is
	// ErrInvalidTransition; a hash collision is ErrConflict.
	MarkCertificateIssued(ctx context.Context, certificateID string, payment CertificatePayment) (Certificate, error)

	// Reconciliation queries: captured payments that never produced a
	// certificate (the OwnershipConflict terminal state) and order creations
	// abandoned before capture.
	FindCompletedPaymentsWithoutCertificate(ctx context.Context, olderThan time.Duration) ([]PaymentTransaction, error)
	FindStalePendingPayments(ctx context.Context, olderThan time.Duration) ([]PaymentTransaction, error)
}

// InMemory implements Ledger with in-process concurrency safety. Used by
// tests, the smoke tool and dev mode; production runs on the pg store.
type InMemory struct {
	mu       sync.RWMutex
	parcels  map[string]*Parcel
	certs    map[string]*Certificate // certificate_id -> cert
	hashes   map[string]string       // verification_hash -> certificate_id
	payments map[string]*PaymentTransaction
	order    []string // certificate ids in insertion order
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		parcels:  make(map[string]*Parcel),
		certs:    make(map[string]*Certificate),
		hashes:   make(map[string]string),
		payments: make(map[string]*PaymentTransaction),
	}
}

// SeedParcel installs a catalog parcel. Seeding an already-known id replaces it.
func (s *InMemory) SeedParcel(p Parcel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := p
	s.parcels[p.ID] = &cp
}

func (s *InMemory) GetParcel(ctx context.Context, parcelID string) (Parcel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parcels[parcelID]
	if !ok {
		return Parcel{}, ErrParcelNotFound
	}
	return *p, nil
}

func (s *InMemory) ListParcels(ctx context.Context, onlyAvailable bool, limit int) ([]Parcel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Parcel, 0, limit)
	keys := make([]string, 0, len(s.parcels))
	for k := range s.parcels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := s.parcels[k]
		if onlyAvailable && p.Owned {
			continue
		}
		res = append(res, *p)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *InMemory) ClaimParcel(ctx context.Context, parcelID, buyerID string) (Parcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcels[parcelID]
	if !ok {
		return Parcel{}, ErrParcelNotFound
	}
	if p.Owned {
		return Parcel{}, ErrParcelUnavailable
	}
	now := time.Now().UTC()
	owner := buyerID
	p.Owned = true
	p.OwnerID = &owner
	p.PurchasedAt = &now
	return *p, nil
}

func (s *InMemory) RecordPaymentTransaction(ctx context.Context, pt PaymentTransaction) (PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt.ID == "" {
		pt.ID = ids.New()
	}
	now := time.Now().UTC()
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = now
	}
	pt.UpdatedAt = now
	cp := pt
	s.payments[pt.PaymentID] = &cp
	return pt, nil
}

func (s *InMemory) UpdatePaymentTransactionStatus(ctx context.Context, paymentID string, status PaymentStatus, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	pt.Status = status
	if len(payload) > 0 {
		pt.Payload = append(json.RawMessage(nil), payload...)
	}
	pt.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) GetPaymentTransaction(ctx context.Context, paymentID string) (PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.payments[paymentID]
	if !ok {
		return PaymentTransaction{}, ErrPaymentNotFound
	}
	return *pt, nil
}

func (s *InMemory) CreateCertificate(ctx context.Context, cert Certificate) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.certs[cert.ID]; exists {
		return Certificate{}, ErrConflict
	}
	if cert.RequestedAt.IsZero() {
		cert.RequestedAt = time.Now().UTC()
	}
	cp := cert
	s.certs[cert.ID] = &cp
	s.order = append(s.order, cert.ID)
	return cert, nil
}

func (s *InMemory) GetCertificate(ctx context.Context, certificateID string) (Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[certificateID]
	if !ok {
		return Certificate{}, ErrCertificateNotFound
	}
	return *c, nil
}

func (s *InMemory) GetCertificateByHash(ctx context.Context, hash string) (Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hashes[hash]
	if !ok {
		return Certificate{}, ErrCertificateNotFound
	}
	return *s.certs[id], nil
}

func (s *InMemory) GetCertificateByPaymentID(ctx context.Context, paymentID string) (Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		c := s.certs[id]
		if c.PaymentID == paymentID {
			return *c, nil
		}
	}
	return Certificate{}, ErrCertificateNotFound
}

func (s *InMemory) LatestCertificateID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return "", nil
	}
	return s.order[len(s.order)-1], nil
}

func (s *InMemory) IssueCertificate(ctx context.Context, cert Certificate) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.certs[cert.ID]; exists {
		return Certificate{}, ErrConflict
	}
	if _, exists := s.hashes[cert.VerificationHash]; exists {
		return Certificate{}, ErrConflict
	}
	now := time.Now().UTC()
	cert.Status = CertificateIssued
	if cert.IssuedAt == nil {
		cert.IssuedAt = &now
	}
	if cert.RequestedAt.IsZero() {
		cert.RequestedAt = now
	}
	cp := cert
	s.certs[cert.ID] = &cp
	s.hashes[cert.VerificationHash] = cert.ID
	s.order = append(s.order, cert.ID)
	return cert, nil
}

func (s *InMemory) TransitionCertificateStatus(ctx context.Context, certificateID string, from, to CertificateStatus, reason string) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certificateID]
	if !ok {
		return ErrCertificateNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	c.Status = to
	switch to {
	case CertificateApproved:
		c.ApprovedAt = &now
	case CertificateIssued:
		c.IssuedAt = &now
	case CertificateRejected:
		c.RejectedReason = strings.TrimSpace(reason)
	}
	return nil
}

func (s *InMemory) MarkCertificateIssued(ctx context.Context, certificateID string, payment CertificatePayment) (Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certificateID]
	if !ok {
		return Certificate{}, ErrCertificateNotFound
	}
	if c.Status != CertificateApproved {
		return Certificate{}, ErrInvalidTransition
	}
	if id, exists := s.hashes[payment.VerificationHash]; exists && id != certificateID {
		return Certificate{}, ErrConflict
	}
	now := time.Now().UTC()
	c.Status = CertificateIssued
	c.PaymentID = payment.PaymentID
	c.PaymentStatus = PaymentCompleted
	c.PaymentAmount = payment.Amount
	c.PaymentCurrency = payment.Currency
	c.VerificationHash = payment.VerificationHash
	c.IssuedAt = &now
	s.hashes[payment.VerificationHash] = certificateID
	return *c, nil
}

func (s *InMemory) FindCompletedPaymentsWithoutCertificate(ctx context.Context, olderThan time.Duration) ([]PaymentTransaction, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []PaymentTransaction
	for _, pt := range s.payments {
		if pt.Status != PaymentCompleted || pt.UpdatedAt.After(cutoff) {
			continue
		}
		issued := false
		for _, id := range s.order {
			c := s.certs[id]
			if c.PaymentID == pt.PaymentID && c.Status == CertificateIssued {
				issued = true
				break
			}
		}
		if !issued {
			res = append(res, *pt)
		}
	}
	sortPayments(res)
	return res, nil
}

func (s *InMemory) FindStalePendingPayments(ctx context.Context, olderThan time.Duration) ([]PaymentTransaction, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []PaymentTransaction
	for _, pt := range s.payments {
		if pt.Status == PaymentPending && !pt.CreatedAt.After(cutoff) {
			res = append(res, *pt)
		}
	}
	sortPayments(res)
	return res, nil
}

func sortPayments(pts []PaymentTransaction) {
	sort.Slice(pts, func(i, j int) bool { return pts[i].CreatedAt.Before(pts[j].CreatedAt) })
}
