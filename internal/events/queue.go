// Package events is the durable per-user queue of security events. Delivery
// is at least once: an event is redelivered on every drain until the
// consumer marks it processed, so consumers must handle duplicates.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type groups events.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeSecurity     Type = "security"
	TypeNotification Type = "notification"
)

// Priority orders delivery within a user's queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRanks = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

func (p Priority) rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

func priorityFromRank(r int) Priority {
	for p, v := range priorityRanks {
		if v == r {
			return p
		}
	}
	return PriorityNormal
}

// Message is what producers publish.
type Message struct {
	UserID   string
	Type     Type
	Payload  Payload
	Priority Priority
	// TTL overrides the default lifetime for the priority.
	TTL time.Duration
}

// Event is a queued message as delivered to clients.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Type      Type      `json:"type"`
	Name      string    `json:"event"`
	Payload   Payload   `json:"payload"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Repository is the persistence the queue needs; *store.DB implements it.
type Repository interface {
	InsertEvent(ctx context.Context, e *store.SecurityEvent) error
	UnprocessedEvents(ctx context.Context, userID string, now time.Time) ([]store.SecurityEvent, error)
	HasUnprocessedEvents(ctx context.Context, userID string, now time.Time) (bool, error)
	MarkEventsProcessed(ctx context.Context, userID string, ids []string, now time.Time) (int64, error)
	DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error)
	DeleteProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds lifetimes.
type Config struct {
	// UrgentTTL applies to urgent events, long enough for a client that is
	// offline for days to still receive a forced logout. Default 7 days.
	UrgentTTL time.Duration
	// DefaultTTL applies to everything else. Default 72 hours.
	DefaultTTL time.Duration
	// Retention is how long processed events are kept. Default 30 days.
	Retention time.Duration
}

// Queue publishes and drains events. Wake-ups for connected clients are
// process local; clients attached to other replicas pick events up when
// they poll.
type Queue struct {
	repo Repository
	cfg  Config
	log  logrus.FieldLogger
	now  func() time.Time

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewQueue creates a queue over repo.
func NewQueue(repo Repository, cfg Config, log logrus.FieldLogger) *Queue {
	if cfg.UrgentTTL <= 0 {
		cfg.UrgentTTL = 7 * 24 * time.Hour
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 72 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Queue{
		repo: repo,
		cfg:  cfg,
		log:  log.WithField("component", "event_queue"),
		now:  time.Now,
		subs: make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish persists m and wakes local subscribers of the user.
func (q *Queue) Publish(ctx context.Context, m Message) (*Event, error) {
	if m.UserID == "" {
		return nil, errors.New("events: user id is required")
	}
	raw, err := EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	if m.Payload.EventName() == "" {
		return nil, errors.New("events: event name is required")
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.Type == "" {
		m.Type = TypeSecurity
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
		if m.Priority == PriorityUrgent {
			ttl = q.cfg.UrgentTTL
		}
	}
	now := q.now()
	row := &store.SecurityEvent{
		ID:        uuid.NewString(),
		UserID:    m.UserID,
		Type:      string(m.Type),
		Event:     m.Payload.EventName(),
		Payload:   raw,
		Priority:  m.Priority.rank(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := q.repo.InsertEvent(ctx, row); err != nil {
		return nil, fmt.Errorf("publish %s: %w", row.Event, err)
	}
	metrics.EventsPublished.WithLabelValues(row.Event, string(m.Priority)).Inc()
	q.log.WithFields(logrus.Fields{
		"user_id":  m.UserID,
		"event":    row.Event,
		"priority": m.Priority,
	}).Debug("security event published")
	q.notify(m.UserID)

	return &Event{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      m.Type,
		Name:      row.Event,
		Payload:   m.Payload,
		Priority:  m.Priority,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// DrainUnprocessed returns the user's pending events, highest priority
// first and oldest first within a priority. It does not mark them.
func (q *Queue) DrainUnprocessed(ctx context.Context, userID string) ([]Event, error) {
	rows, err := q.repo.UnprocessedEvents(ctx, userID, q.now())
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		p, err := DecodePayload(r.Event, r.Payload)
		if err != nil {
			q.log.WithError(err).WithField("event_id", r.ID).Warn("delivering undecodable payload as generic")
			p = Generic{Name: r.Event}
		}
		out = append(out, Event{
			ID:        r.ID,
			UserID:    r.UserID,
			Type:      Type(r.Type),
			Name:      r.Event,
			Payload:   p,
			Priority:  priorityFromRank(r.Priority),
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

// MarkProcessed acknowledges delivery of the given events of userID.
func (q *Queue) MarkProcessed(ctx context.Context, userID string, ids ...string) (int64, error) {
	return q.repo.MarkEventsProcessed(ctx, userID, ids, q.now())
}

// HasUnprocessed reports whether userID has pending events.
func (q *Queue) HasUnprocessed(ctx context.Context, userID string) (bool, error) {
	return q.repo.HasUnprocessedEvents(ctx, userID, q.now())
}

// Purge deletes expired unprocessed events and processed events older than
// the retention period.
func (q *Queue) Purge(ctx context.Context) (expired, processed int64, err error) {
	now := q.now()
	expired, err = q.repo.DeleteExpiredEvents(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("purge expired events: %w", err)
	}
	processed, err = q.repo.DeleteProcessedEvents(ctx, now.Add(-q.cfg.Retention))
	if err != nil {
		return expired, 0, fmt.Errorf("purge processed events: %w", err)
	}
	return expired, processed, nil
}

// Subscribe returns a channel that receives a value whenever an event is
// published for userID in this process. The channel is buffered by one and
// wake-ups coalesce. Call cancel to unsubscribe.
func (q *Queue) Subscribe(userID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	if q.subs[userID] == nil {
		q.subs[userID] = make(map[chan struct{}]struct{})
	}
	q.subs[userID][ch] = struct{}{}
	q.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs[userID], ch)
			if len(q.subs[userID]) == 0 {
				delete(q.subs, userID)
			}
			q.mu.Unlock()
		})
	}
}

func (q *Queue) notify(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for ch := range q.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
