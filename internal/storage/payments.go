package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// PaymentStore keeps one payment record per ride. Upsert reports whether the
// record was newly created.
type PaymentStore interface {
	Upsert(ctx context.Context, rec models.PaymentRecord) (bool, error)
	Get(ctx context.Context, rideID string) (*models.PaymentRecord, error)
}

type MemoryPayments struct {
	mu   sync.Mutex
	byID map[string]models.PaymentRecord
}

func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{byID: make(map[string]models.PaymentRecord)}
}

func (m *MemoryPayments) Upsert(_ context.Context, rec models.PaymentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.byID[rec.RideID]
	if existed {
		rec.CreatedAt = prev.CreatedAt
	}
	m.byID[rec.RideID] = rec
	return !existed, nil
}

func (m *MemoryPayments) Get(_ context.Context, rideID string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[rideID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", rideID, models.ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryPayments) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type PostgresPayments struct {
	db *sql.DB
}

func NewPostgresPayments(db *sql.DB) *PostgresPayments {
	return &PostgresPayments{db: db}
}

func (p *PostgresPayments) Upsert(ctx context.Context, rec models.PaymentRecord) (bool, error) {
	var inserted bool
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO payments(ride_id, payer_id, payee_id, amount, currency, method, provider, provider_payment_id, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (ride_id) DO UPDATE SET amount=EXCLUDED.amount, currency=EXCLUDED.currency, method=EXCLUDED.method,
		   provider=EXCLUDED.provider, provider_payment_id=EXCLUDED.provider_payment_id,
		   status=CASE WHEN payments.status = 'pending' THEN EXCLUDED.status ELSE payments.status END
		 RETURNING (xmax = 0)`,
		rec.RideID, rec.PayerID, rec.PayeeID, rec.Amount, rec.Currency, rec.Method,
		rec.Provider, rec.ProviderPaymentID, rec.Status, rec.CreatedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert payment %s: %w", rec.RideID, err)
	}
	return inserted, nil
}

func (p *PostgresPayments) Get(ctx context.Context, rideID string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT ride_id, payer_id, payee_id, amount, currency, method, provider, provider_payment_id, status, created_at FROM payments WHERE ride_id=$1`,
		rideID).Scan(&rec.RideID, &rec.PayerID, &rec.PayeeID, &rec.Amount, &rec.Currency, &rec.Method,
		&rec.Provider, &rec.ProviderPaymentID, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", rideID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
