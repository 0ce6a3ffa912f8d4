package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// frameConn is the subset of *websocket.Conn the directory writes through.
type frameConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Session is one open live connection. It starts anonymous and is bound to
// a user by Authenticate.
type Session struct {
	ID string

	conn   frameConn
	mu     sync.Mutex
	userID string
}

func (s *Session) send(ctx context.Context, f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// Directory is the process-wide registry of live connections, indexed by
// session and by user.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

func (d *Directory) Connect(conn frameConn) *Session {
	s := &Session{ID: uuid.NewString(), conn: conn}
	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()
	return s
}

// Authenticate binds a session to userID. Re-authenticating moves the
// session to the new user.
func (d *Directory) Authenticate(sessionID, userID string) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoSession)
	}
	d.unbindLocked(s)
	s.userID = userID
	set, ok := d.byUser[userID]
	if !ok {
		set = make(map[string]*Session)
		d.byUser[userID] = set
	}
	set[s.ID] = s
	return nil
}

func (d *Directory) Disconnect(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
		d.unbindLocked(s)
	}
	d.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (d *Directory) unbindLocked(s *Session) {
	if s.userID == "" {
		return
	}
	if set, ok := d.byUser[s.userID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(d.byUser, s.userID)
		}
	}
	s.userID = ""
}

// Connections returns the number of sessions bound to userID.
func (d *Directory) Connections(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser[userID])
}

// DeliverToUser writes to every session of userID. It returns ErrNoSession
// when the user has none, and the joined write errors otherwise.
func (d *Directory) DeliverToUser(ctx context.Context, userID, event string, payload any) error {
	d.mu.RLock()
	targets := make([]*Session, 0, len(d.byUser[userID]))
	for _, s := range d.byUser[userID] {
		targets = append(targets, s)
	}
	d.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	return d.write(ctx, targets, frame{Event: event, Data: payload})
}

func (d *Directory) Broadcast(ctx context.Context, event string, payload any) error {
	d.mu.RLock()
	targets := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		targets = append(targets, s)
	}
	d.mu.RUnlock()
	return d.write(ctx, targets, frame{Event: event, Data: payload})
}

func (d *Directory) write(ctx context.Context, targets []*Session, f frame) error {
	var errs []error
	for _, s := range targets {
		if err := s.send(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}
