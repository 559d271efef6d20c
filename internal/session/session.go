package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ensembleworks/troupegate/pkg"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL       = 24 * 7 * time.Hour
	sessionKeyPrefix = "troupegate-session||"
	tokensSetKey     = "troupegate-sessions"
)

var ErrSessionNotFound = errors.New("session not found")

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTrainer   Role = "trainer"
	RoleUser      Role = "user"
	RoleAnonymous Role = ""
)

// ParseRole maps any unknown or empty value to the anonymous role,
// so a malformed session degrades instead of breaking navigation.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleTrainer, RoleUser:
		return Role(s)
	default:
		return RoleAnonymous
	}
}

// Session is the gateway-side record of a logged in user. APIToken is
// the token issued by the platform API on login; it gets attached to
// every outgoing platform request made on behalf of this session.
type Session struct {
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	APIToken  string    `json:"api_token"`
	CreatedAt time.Time `json:"created_at"`
}

type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
)

// Change is pushed to subscribers whenever a session is created or
// destroyed, so navigation consumers always see the current role.
type Change struct {
	Type  ChangeType
	Token string
	Role  Role
}

type Store struct {
	redisClient *redis.Client
	ttl         time.Duration
	// ability to inject random string generator func for tokens (for unit and dev testing)
	RandStringFunc func(s int) (string, error)

	mu          sync.Mutex
	subscribers map[chan Change]struct{}
}

func NewStore(ttl time.Duration, redisClient *redis.Client) *Store {
	return &Store{
		ttl:            ttl,
		redisClient:    redisClient,
		RandStringFunc: pkg.GenerateRandomString,
		subscribers:    make(map[chan Change]struct{}),
	}
}

// Add stores the session and returns the gateway token for it.
func (s *Store) Add(ctx context.Context, sess Session) (string, error) {
	token, err := s.RandStringFunc(35)
	if err != nil {
		return "", err
	}

	sessJson, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	sessionKey := sessionKeyPrefix + token
	if err := s.redisClient.Set(ctx, sessionKey, sessJson, s.ttl).Err(); err != nil {
		return "", err
	}

	// add token to the list of sessions
	if err := s.redisClient.SAdd(ctx, tokensSetKey, token).Err(); err != nil {
		return "", err
	}

	s.publish(Change{Type: ChangeAdded, Token: token, Role: sess.Role})

	return token, nil
}

func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	cmd := s.redisClient.Get(ctx, sessionKeyPrefix+token)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(cmd.Val()), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &sess, nil
}

// Remove destroys the session (logout). A removed token never resolves again.
func (s *Store) Remove(ctx context.Context, token string) error {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return err
	}

	if err := s.redisClient.Del(ctx, sessionKeyPrefix+token).Err(); err != nil {
		return err
	}

	if err := s.redisClient.SRem(ctx, tokensSetKey, token).Err(); err != nil {
		return err
	}

	s.publish(Change{Type: ChangeRemoved, Token: token, Role: sess.Role})

	return nil
}

// ScanAndClean removes dangling tokens whose session records have
// expired. Redis expires the records itself; this keeps the token set
// from growing forever.
func (s *Store) ScanAndClean(ctx context.Context) {
	cmd := s.redisClient.SMembers(ctx, tokensSetKey)
	if err := cmd.Err(); err != nil {
		log.Errorf("!!! session store, scan and clean, get tokens: %s", err)
		return
	}

	sessionTokens := cmd.Val()
	if len(sessionTokens) == 0 {
		return
	}

	log.Debugf("=> session store, scan and clean [%d tokens] start ...", len(sessionTokens))
	for _, token := range sessionTokens {
		existsCmd := s.redisClient.Exists(ctx, sessionKeyPrefix+token)
		if err := existsCmd.Err(); err != nil {
			log.Errorf("=> session store, scan and clean token %s: %s", token, err)
			continue
		}
		if existsCmd.Val() > 0 {
			continue
		}

		log.Debugf("=>\tcleaning dangling session token: %s", token)
		if err := s.redisClient.SRem(ctx, tokensSetKey, token).Err(); err != nil {
			log.Errorf("=> session store, clean token %s: %s", token, err)
		}
	}
}

// Subscribe returns a channel receiving session changes. The channel is
// buffered; a subscriber that stops draining misses changes but never
// blocks the store.
func (s *Store) Subscribe() chan Change {
	ch := make(chan Change, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; !ok {
		return
	}
	delete(s.subscribers, ch)
	close(ch)
}

func (s *Store) publish(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			log.Warnf("session store: subscriber not draining, change %s dropped", change.Type)
		}
	}
}
