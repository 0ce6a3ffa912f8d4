package payments

import (
	"context"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeRecorder opens a PaymentIntent for card and wallet rides and stores
// the record with the intent id. Cash rides are stored directly. The intent
// is created with the idempotency key "ride:<id>", so a retried completion
// never opens a second intent.
type StripeRecorder struct {
	store   *StoreRecorder
	intents intentCreator
	logger  *slog.Logger
}

func NewStripeRecorder(apiKey string, store storage.PaymentStore, logger *slog.Logger) *StripeRecorder {
	client := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return &StripeRecorder{store: NewStoreRecorder(store), intents: client, logger: logger}
}

func (s *StripeRecorder) EnsurePaymentRecord(ctx context.Context, req Request) (models.PaymentRecord, error) {
	if err := req.validate(); err != nil {
		return models.PaymentRecord{}, err
	}
	if providerFor(req.Method) == ProviderCash {
		return s.store.EnsurePaymentRecord(ctx, req)
	}
	prev, err := existing(ctx, s.store.Store, req.RideID)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	if prev != nil && prev.ProviderPaymentID != "" {
		return *prev, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.SetIdempotencyKey("ride:" + req.RideID)
	params.AddMetadata("ride_id", req.RideID)
	params.AddMetadata("payer_id", req.PayerID)
	params.AddMetadata("payee_id", req.PayeeID)
	pi, err := s.intents.New(params)
	if err != nil {
		s.logger.Error("stripe payment intent failed", "ride_id", req.RideID, "error", err)
		return models.PaymentRecord{}, err
	}

	rec := models.PaymentRecord{
		RideID:            req.RideID,
		PayerID:           req.PayerID,
		PayeeID:           req.PayeeID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Method:            req.Method,
		Provider:          ProviderStripe,
		ProviderPaymentID: pi.ID,
		Status:            string(pi.Status),
		CreatedAt:         s.store.Now().UTC(),
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	return s.store.upsert(ctx, rec)
}
