package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, category, status, version, fare, currency, surge, distance_km, duration_min, payment_method, start_otp, otp_expiry, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r      models.Ride
		driver sql.NullString
		otp    sql.NullString
		expiry sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PassengerID, &driver,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.Category, &r.Status, &r.Version, &r.Fare, &r.Currency, &r.Surge,
		&r.DistanceKm, &r.DurationMin, &r.PaymentMethod, &otp, &expiry,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driver.String
	r.StartOTP = otp.String
	if expiry.Valid {
		t := expiry.Time
		r.OTPExpiry = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var expiry sql.NullTime
	if r.OTPExpiry != nil {
		expiry = sql.NullTime{Time: *r.OTPExpiry, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.PassengerID, nullString(r.DriverID),
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.Category, r.Status, r.Version, r.Fare, r.Currency, r.Surge,
		r.DistanceKm, r.DurationMin, r.PaymentMethod, nullString(r.StartOTP), expiry,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("ride %s: %w", r.ID, models.ErrConflict)
		}
		return fmt.Errorf("insert ride: %w", err)
	}
	for i, c := range r.Candidates {
		_, err = tx.ExecContext(ctx, `INSERT INTO ride_candidates(ride_id, driver_id, position, distance_m, notified_at, responded, responded_at, outcome) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, c.DriverID, i, c.DistanceM, c.NotifiedAt, c.Responded, c.RespondedAt, c.Outcome)
		if err != nil {
			return fmt.Errorf("insert candidate %s: %w", c.DriverID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadCandidates(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) loadCandidates(ctx context.Context, r *models.Ride) error {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, distance_m, notified_at, responded, responded_at, outcome FROM ride_candidates WHERE ride_id=$1 ORDER BY position`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.Candidates = r.Candidates[:0]
	for rows.Next() {
		var (
			c  models.Candidate
			at sql.NullTime
		)
		if err := rows.Scan(&c.DriverID, &c.DistanceM, &c.NotifiedAt, &c.Responded, &at, &c.Outcome); err != nil {
			return err
		}
		if at.Valid {
			t := at.Time
			c.RespondedAt = &t
		}
		r.Candidates = append(r.Candidates, c)
	}
	return rows.Err()
}

// ListByPassenger returns the passenger's rides newest first. Candidate
// lists are not loaded.
func (p *PostgresStore) ListByPassenger(ctx context.Context, passengerID string) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides WHERE passenger_id=$1 ORDER BY created_at DESC`, passengerID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
}

func (p *PostgresStore) list(ctx context.Context, query string, arg string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// conditional runs a single-statement UPDATE ... RETURNING. No returned row
// means the guard did not match; the ride is then probed so a missing ride
// surfaces as ErrNotFound.
func (p *PostgresStore) conditional(ctx context.Context, rideID, query string, args ...any) (*models.Ride, bool, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, rideID).Scan(&exists); err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := p.loadCandidates(ctx, r); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) AssignDriver(ctx context.Context, a Assignment) (*models.Ride, bool, error) {
	return p.conditional(ctx, a.RideID,
		`UPDATE rides SET driver_id=$2, status='accepted', start_otp=$3, otp_expiry=$4, version=version+1, updated_at=$5
		 WHERE id=$1 AND status='requested' AND driver_id IS NULL
		 RETURNING `+rideColumns,
		a.RideID, a.DriverID, a.OTP, a.OTPExpiry, a.At)
}

func (p *PostgresStore) ResolveCandidates(ctx context.Context, rideID, winnerID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE ride_candidates SET responded=true, responded_at=$3,
		   outcome = CASE WHEN driver_id=$2 THEN 'accepted' ELSE 'timeout' END
		 WHERE ride_id=$1 AND (driver_id=$2 OR responded=false)`,
		rideID, winnerID, at)
	return err
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID, code string, now time.Time) (*models.Ride, bool, error) {
	return p.conditional(ctx, rideID,
		`UPDATE rides SET status='started', start_otp=NULL, otp_expiry=NULL, version=version+1, updated_at=$4
		 WHERE id=$1 AND status='accepted' AND driver_id=$2 AND start_otp=$3 AND otp_expiry >= $4
		 RETURNING `+rideColumns,
		rideID, driverID, code, now)
}

func (p *PostgresStore) Transition(ctx context.Context, t Transition) (*models.Ride, bool, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	return p.conditional(ctx, t.RideID,
		`UPDATE rides SET status=$2::text,
		   driver_id = CASE WHEN $2::text = 'cancelled' THEN NULL ELSE driver_id END,
		   start_otp = CASE WHEN $2::text = 'accepted' THEN start_otp ELSE NULL END,
		   otp_expiry = CASE WHEN $2::text = 'accepted' THEN otp_expiry ELSE NULL END,
		   version=version+1, updated_at=$3
		 WHERE id=$1 AND status = ANY($4)
		   AND ($5::text = '' OR driver_id = $5::text)
		   AND ($6::text = '' OR passenger_id = $6::text)
		 RETURNING `+rideColumns,
		t.RideID, string(t.To), t.At, pq.Array(from), t.DriverID, t.PassengerID)
}
