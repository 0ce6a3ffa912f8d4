package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ProviderCash   = "cash"
	ProviderStripe = "stripe"

	StatusPending = "pending"
)

// Request is the input of EnsurePaymentRecord.
type Request struct {
	RideID   string
	PayerID  string
	PayeeID  string
	Amount   int64
	Currency string
	Method   models.PaymentMethod
}

func (r Request) validate() error {
	if r.RideID == "" || r.PayerID == "" || r.PayeeID == "" {
		return fmt.Errorf("%w: payment needs ride, payer and payee", models.ErrInvalidInput)
	}
	if r.Amount < 0 {
		return fmt.Errorf("%w: negative amount", models.ErrInvalidInput)
	}
	return nil
}

// StoreRecorder writes a pending record without contacting a provider.
// Repeated calls for the same ride update the one existing record but never
// move its status back to pending.
type StoreRecorder struct {
	Store storage.PaymentStore
	Now   func() time.Time
}

func NewStoreRecorder(store storage.PaymentStore) *StoreRecorder {
	return &StoreRecorder{Store: store, Now: time.Now}
}

func (s *StoreRecorder) EnsurePaymentRecord(ctx context.Context, req Request) (models.PaymentRecord, error) {
	if err := req.validate(); err != nil {
		return models.PaymentRecord{}, err
	}
	rec := models.PaymentRecord{
		RideID:    req.RideID,
		PayerID:   req.PayerID,
		PayeeID:   req.PayeeID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
		Provider:  providerFor(req.Method),
		Status:    StatusPending,
		CreatedAt: s.Now().UTC(),
	}
	prev, err := existing(ctx, s.Store, req.RideID)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	if prev != nil {
		rec.Status = prev.Status
		rec.ProviderPaymentID = prev.ProviderPaymentID
		rec.CreatedAt = prev.CreatedAt
	}
	return s.upsert(ctx, rec)
}

func (s *StoreRecorder) upsert(ctx context.Context, rec models.PaymentRecord) (models.PaymentRecord, error) {
	created, err := s.Store.Upsert(ctx, rec)
	if err != nil {
		observability.PaymentRecords.WithLabelValues(rec.Provider, "error").Inc()
		return models.PaymentRecord{}, err
	}
	result := "updated"
	if created {
		result = "created"
	}
	observability.PaymentRecords.WithLabelValues(rec.Provider, result).Inc()
	return rec, nil
}

func providerFor(m models.PaymentMethod) string {
	if m == models.PaymentCash || m == "" {
		return ProviderCash
	}
	return ProviderStripe
}

// existing returns the stored record for a ride, or nil when there is none.
func existing(ctx context.Context, store storage.PaymentStore, rideID string) (*models.PaymentRecord, error) {
	rec, err := store.Get(ctx, rideID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
