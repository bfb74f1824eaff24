// Package pg implements the ownership ledger on PostgreSQL. The double-sale
// guard is a single conditional UPDATE on the parcel row; certificate id and
// verification hash collisions are absorbed by unique constraints and mapped
// to land.ErrConflict for the caller to retry.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/tanloifmc/marsland/internal/ids"
	"github.com/tanloifmc/marsland/internal/land"
)

type Store struct {
	db *sql.DB
}

var _ land.Ledger = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const parcelColumns = `id, lat, lng, price_amount, price_currency, owned, owner_id, purchased_at, created_at`

func (s *Store) GetParcel(ctx context.Context, parcelID string) (land.Parcel, error) {
	row := s.db.QueryRowContext(ctx, `select `+parcelColumns+` from lands where id=$1`, parcelID)
	p, err := scanParcel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Parcel{}, land.ErrParcelNotFound
	}
	return p, err
}

func (s *Store) ListParcels(ctx context.Context, onlyAvailable bool, limit int) ([]land.Parcel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+parcelColumns+`
		from lands
		where ($1 = false or owned = false)
		order by id
		limit $2
	`, onlyAvailable, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []land.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClaimParcel is the sole double-sale guard: the UPDATE only matches an
// unowned row, so for any parcel exactly one concurrent claim sees
// RowsAffected==1 and every other one loses without blocking.
func (s *Store) ClaimParcel(ctx context.Context, parcelID, buyerID string) (land.Parcel, error) {
	res, err := s.db.ExecContext(ctx, `
		update lands
		set owned = true, owner_id = $2, purchased_at = now()
		where id = $1 and owned = false
	`, parcelID, buyerID)
	if err != nil {
		return land.Parcel{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return land.Parcel{}, err
	}
	if n == 0 {
		if _, err := s.GetParcel(ctx, parcelID); err != nil {
			return land.Parcel{}, err
		}
		return land.Parcel{}, land.ErrParcelUnavailable
	}
	return s.GetParcel(ctx, parcelID)
}

func (s *Store) RecordPaymentTransaction(ctx context.Context, pt land.PaymentTransaction) (land.PaymentTransaction, error) {
	if pt.ID == "" {
		pt.ID = ids.New()
	}
	now := time.Now().UTC()
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = now
	}
	pt.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into payment_transactions(id, payment_id, land_id, certificate_id, buyer_id, amount, currency, status, payload, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11)
	`, pt.ID, pt.PaymentID, pt.ParcelID, pt.CertificateID, pt.BuyerID,
		pt.Amount.StringFixed(2), pt.Currency, string(pt.Status), payloadOrNull(pt.Payload), pt.CreatedAt, pt.UpdatedAt)
	if err != nil {
		return land.PaymentTransaction{}, mapConstraint(err)
	}
	return pt, nil
}

func (s *Store) UpdatePaymentTransactionStatus(ctx context.Context, paymentID string, status land.PaymentStatus, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		update payment_transactions
		set status = $2, payload = coalesce($3, payload), updated_at = now()
		where payment_id = $1
	`, paymentID, string(status), payloadOrNull(payload))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return land.ErrPaymentNotFound
	}
	return nil
}

const paymentColumns = `id, payment_id, land_id, coalesce(certificate_id,''), buyer_id, amount, currency, status, payload, created_at, updated_at`

func (s *Store) GetPaymentTransaction(ctx context.Context, paymentID string) (land.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+paymentColumns+` from payment_transactions where payment_id=$1`, paymentID)
	pt, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.PaymentTransaction{}, land.ErrPaymentNotFound
	}
	return pt, err
}

const certColumns = `id, land_id, owner_id, coalesce(owner_email,''), status, coalesce(payment_id,''), payment_status,
	coalesce(payment_amount::text,'0'), coalesce(payment_currency,''), coalesce(verification_hash,''),
	requested_at, approved_at, issued_at, coalesce(rejected_reason,'')`

func (s *Store) CreateCertificate(ctx context.Context, cert land.Certificate) (land.Certificate, error) {
	if cert.RequestedAt.IsZero() {
		cert.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into certificates(id, land_id, owner_id, owner_email, status, payment_status, requested_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7)
	`, cert.ID, cert.ParcelID, cert.OwnerID, cert.OwnerEmail, string(cert.Status), string(cert.PaymentStatus), cert.RequestedAt)
	if err != nil {
		return land.Certificate{}, mapConstraint(err)
	}
	return cert, nil
}

func (s *Store) GetCertificate(ctx context.Context, certificateID string) (land.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `select `+certColumns+` from certificates where id=$1`, certificateID)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Certificate{}, land.ErrCertificateNotFound
	}
	return c, err
}

func (s *Store) GetCertificateByHash(ctx context.Context, hash string) (land.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `select `+certColumns+` from certificates where verification_hash=$1`, hash)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Certificate{}, land.ErrCertificateNotFound
	}
	return c, err
}

func (s *Store) GetCertificateByPaymentID(ctx context.Context, paymentID string) (land.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `select `+certColumns+` from certificates where payment_id=$1`, paymentID)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Certificate{}, land.ErrCertificateNotFound
	}
	return c, err
}

func (s *Store) LatestCertificateID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `select id from certificates order by requested_at desc, id desc limit 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) IssueCertificate(ctx context.Context, cert land.Certificate) (land.Certificate, error) {
	now := time.Now().UTC()
	cert.Status = land.CertificateIssued
	if cert.IssuedAt == nil {
		cert.IssuedAt = &now
	}
	if cert.RequestedAt.IsZero() {
		cert.RequestedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		insert into certificates(id, land_id, owner_id, owner_email, status, payment_id, payment_status, payment_amount, payment_currency, verification_hash, requested_at, issued_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11,$12)
	`, cert.ID, cert.ParcelID, cert.OwnerID, cert.OwnerEmail, string(cert.Status), cert.PaymentID,
		string(cert.PaymentStatus), cert.PaymentAmount.StringFixed(2), cert.PaymentCurrency,
		cert.VerificationHash, cert.RequestedAt, *cert.IssuedAt)
	if err != nil {
		return land.Certificate{}, mapConstraint(err)
	}
	return cert, nil
}

func (s *Store) TransitionCertificateStatus(ctx context.Context, certificateID string, from, to land.CertificateStatus, reason string) error {
	if !from.Valid() || !to.Valid() {
		return land.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx, `
		update certificates
		set status = $3,
		    approved_at = case when $3 = 'approved' then now() else approved_at end,
		    issued_at = case when $3 = 'issued' then now() else issued_at end,
		    rejected_reason = case when $3 = 'rejected' then nullif($4,'') else rejected_reason end
		where id = $1 and status = $2
	`, certificateID, string(from), string(to), reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetCertificate(ctx, certificateID); gerr != nil {
			return gerr
		}
		return land.ErrInvalidTransition
	}
	return nil
}

func (s *Store) MarkCertificateIssued(ctx context.Context, certificateID string, payment land.CertificatePayment) (land.Certificate, error) {
	res, err := s.db.ExecContext(ctx, `
		update certificates
		set status = 'issued',
		    payment_id = $2,
		    payment_status = 'completed',
		    payment_amount = $3,
		    payment_currency = $4,
		    verification_hash = $5,
		    issued_at = now()
		where id = $1 and status = 'approved'
	`, certificateID, payment.PaymentID, payment.Amount.StringFixed(2), payment.Currency, payment.VerificationHash)
	if err != nil {
		return land.Certificate{}, mapConstraint(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return land.Certificate{}, err
	}
	if n == 0 {
		if _, gerr := s.GetCertificate(ctx, certificateID); gerr != nil {
			return land.Certificate{}, gerr
		}
		return land.Certificate{}, land.ErrInvalidTransition
	}
	return s.GetCertificate(ctx, certificateID)
}

func (s *Store) FindCompletedPaymentsWithoutCertificate(ctx context.Context, olderThan time.Duration) ([]land.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+paymentColumns+`
		from payment_transactions pt
		where pt.status = 'completed'
		  and pt.updated_at <= now() - make_interval(secs => $1)
		  and not exists (
			select 1 from certificates c
			where c.payment_id = pt.payment_id and c.status = 'issued'
		  )
		order by pt.created_at
	`, intervalArg(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *Store) FindStalePendingPayments(ctx context.Context, olderThan time.Duration) ([]land.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+paymentColumns+`
		from payment_transactions pt
		where pt.status = 'pending'
		  and pt.created_at <= now() - make_interval(secs => $1)
		order by pt.created_at
	`, intervalArg(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParcel(row rowScanner) (land.Parcel, error) {
	var p land.Parcel
	var amount string
	var ownerID sql.NullString
	var purchasedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.Lat, &p.Lng, &amount, &p.Price.Currency, &p.Owned, &ownerID, &purchasedAt, &p.CreatedAt); err != nil {
		return land.Parcel{}, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return land.Parcel{}, err
	}
	p.Price.Amount = dec
	if ownerID.Valid {
		p.OwnerID = &ownerID.String
	}
	if purchasedAt.Valid {
		t := purchasedAt.Time
		p.PurchasedAt = &t
	}
	return p, nil
}

func scanPayment(row rowScanner) (land.PaymentTransaction, error) {
	var pt land.PaymentTransaction
	var amount, status string
	var payload []byte
	if err := row.Scan(&pt.ID, &pt.PaymentID, &pt.ParcelID, &pt.CertificateID, &pt.BuyerID,
		&amount, &pt.Currency, &status, &payload, &pt.CreatedAt, &pt.UpdatedAt); err != nil {
		return land.PaymentTransaction{}, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return land.PaymentTransaction{}, err
	}
	pt.Amount = dec
	pt.Status = land.PaymentStatus(status)
	if len(payload) > 0 {
		pt.Payload = json.RawMessage(payload)
	}
	return pt, nil
}

func scanCertificate(row rowScanner) (land.Certificate, error) {
	var c land.Certificate
	var status, payStatus, amount string
	var approvedAt, issuedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.ParcelID, &c.OwnerID, &c.OwnerEmail, &status, &c.PaymentID, &payStatus,
		&amount, &c.PaymentCurrency, &c.VerificationHash,
		&c.RequestedAt, &approvedAt, &issuedAt, &c.RejectedReason); err != nil {
		return land.Certificate{}, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return land.Certificate{}, err
	}
	c.PaymentAmount = dec
	c.Status = land.CertificateStatus(status)
	c.PaymentStatus = land.PaymentStatus(payStatus)
	if approvedAt.Valid {
		t := approvedAt.Time
		c.ApprovedAt = &t
	}
	if issuedAt.Valid {
		t := issuedAt.Time
		c.IssuedAt = &t
	}
	return c, nil
}

func collectPayments(rows *sql.Rows) ([]land.PaymentTransaction, error) {
	var res []land.PaymentTransaction
	for rows.Next() {
		pt, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, pt)
	}
	return res, rows.Err()
}

func payloadOrNull(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func intervalArg(d time.Duration) float64 {
	if d < 0 {
		d = 0
	}
	return d.Seconds()
}

// mapConstraint translates postgres unique violations (SQLSTATE 23505) into
// land.ErrConflict so callers can regenerate ids and retry.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return land.ErrConflict
	}
	return err
}
