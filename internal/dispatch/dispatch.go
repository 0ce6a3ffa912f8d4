package dispatch

import (
	"context"
	"errors"
	"log/slog"
)

const (
	EventRideNew       = "ride:new"
	EventRideUpdate    = "ride:update"
	EventRideAssigned  = "ride:assigned"
	EventRideTaken     = "ride:taken"
	EventRideCancelled = "ride:cancelled"
	EventDriverStatus  = "drivers:status"
	EventDriverUpdate  = "drivers:update"
)

// Event is one lifecycle notification. Payload is marshalled as JSON by
// whichever channel carries it.
type Event struct {
	Name    string `json:"event"`
	RideID  string `json:"ride_id,omitempty"`
	Payload any    `json:"data,omitempty"`
}

type Channel string

const (
	// ChannelAuto tries the live channel and falls back to the durable sink
	// when the subject has no open connection.
	ChannelAuto    Channel = "auto"
	ChannelLive    Channel = "live"
	ChannelDurable Channel = "durable"
)

// Target addresses a subject (user id) on a channel.
type Target struct {
	Subject string
	Channel Channel
}

func To(subject string) Target { return Target{Subject: subject, Channel: ChannelAuto} }

type Message struct {
	Target Target
	Event  Event
}

// Batch is the set of messages produced by one committed ride write. Seq is
// the ride version after that write; Final marks the last batch of a ride.
type Batch struct {
	RideID   string
	Seq      int64
	Final    bool
	Messages []Message
}

// Live delivers to currently connected recipients.
type Live interface {
	DeliverToUser(ctx context.Context, userID, event string, payload any) error
	Broadcast(ctx context.Context, event string, payload any) error
}

// Sink is the durable channel for recipients that may be offline.
type Sink interface {
	Deliver(ctx context.Context, userID string, ev Event) error
}

var ErrNoSession = errors.New("no live session")

// LogSink only logs deliveries. Used when no durable transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Deliver(_ context.Context, userID string, ev Event) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("dispatch", "subject", userID, "event", ev.Name, "ride_id", ev.RideID)
	return nil
}
