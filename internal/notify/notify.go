package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ensembleworks/troupegate/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

// DefaultTTL matches the auto-dismiss delay of the status toasts.
const DefaultTTL = 3 * time.Second

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
)

type Notification struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service keeps an ordered queue of transient messages per session
// token, each message with its own expiry. Two operations completing
// close together both keep their messages; nothing gets overwritten.
type Service struct {
	mu             sync.Mutex
	ttl            time.Duration
	queues         map[string][]Notification
	nextID         int64
	metricsManager *metrics.Manager

	// injectable clock for testing
	NowFunc func() time.Time
}

func NewService(ttl time.Duration, metricsManager *metrics.Manager) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		ttl:            ttl,
		queues:         make(map[string][]Notification),
		NowFunc:        time.Now,
		metricsManager: metricsManager,
	}
}

// Push queues a message for the session. An empty token means no
// session; anonymous visitors would all share one queue and drain each
// other's messages, so those pushes are dropped (the response body
// already carries the outcome).
func (s *Service) Push(token string, kind Kind, message string) Notification {
	if token == "" {
		log.Tracef("notify: no session, [%s] message dropped: %s", kind, message)
		return Notification{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	n := Notification{
		ID:        s.nextID,
		Kind:      kind,
		Message:   message,
		ExpiresAt: s.NowFunc().Add(s.ttl),
	}
	s.queues[token] = append(s.queues[token], n)

	if s.metricsManager != nil {
		s.metricsManager.CounterNotifications.Inc()
	}

	log.Tracef("notify: queued [%s] message for session: %s", kind, message)
	return n
}

// Pending returns the session's unexpired messages in push order and
// drains them; a message is delivered at most once.
func (s *Service) Pending(token string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[token]
	if !ok {
		return nil
	}
	delete(s.queues, token)

	now := s.NowFunc()
	var pending []Notification
	for _, n := range queue {
		if n.ExpiresAt.After(now) {
			pending = append(pending, n)
		}
	}
	return pending
}

// Drop discards all messages of a session (logout).
func (s *Service) Drop(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, token)
}

// CleanExpired removes expired messages that nobody came to read.
func (s *Service) CleanExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.NowFunc()
	for token, queue := range s.queues {
		var remaining []Notification
		for _, n := range queue {
			if n.ExpiresAt.After(now) {
				remaining = append(remaining, n)
			}
		}
		if len(remaining) == 0 {
			delete(s.queues, token)
			continue
		}
		s.queues[token] = remaining
	}
}

// StartJanitor sweeps expired messages until ctx is cancelled.
func (s *Service) StartJanitor(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanExpired()
			}
		}
	}()
}
