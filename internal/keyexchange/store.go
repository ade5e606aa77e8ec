package keyexchange

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"authgate.org/internal/ids"
)

const (
	defaultTTL      = 2 * time.Minute
	defaultCapacity = 4096
)

// ErrKeyNotFound is returned for unknown, consumed or expired transport keys.
var ErrKeyNotFound = errors.New("keyexchange: transport key not found or expired")

// Ticket is what a client receives: the correlation id to send back on login
// and the public half to encrypt with.
type Ticket struct {
	KeyID     string
	PublicKey []byte
	ExpiresAt time.Time
}

type entry struct {
	key     *rsa.PrivateKey
	expires time.Time
}

// Store keeps private transport keys until their first use or until they expire.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string

	ttl      time.Duration
	capacity int
	bits     int
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures Store.
type Option func(*Store)

// WithTTL bounds how long an issued key stays usable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCapacity bounds the number of outstanding keys; the oldest are evicted first.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithBits overrides the RSA modulus size.
func WithBits(bits int) Option {
	return func(s *Store) {
		if bits > 0 {
			s.bits = bits
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used by the janitor.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore constructs an empty key store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]entry),
		ttl:      defaultTTL,
		capacity: defaultCapacity,
		bits:     DefaultBits,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue generates a keypair, keeps the private half and returns the ticket.
func (s *Store) Issue(ctx context.Context) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	key, err := GenerateBits(s.bits)
	if err != nil {
		return Ticket{}, err
	}
	der, err := Export(&key.PublicKey)
	if err != nil {
		return Ticket{}, err
	}

	now := s.now()
	id := ids.NewAt(now)
	expires := now.Add(s.ttl)

	s.mu.Lock()
	for len(s.entries) >= s.capacity {
		if !s.evictOldestLocked() {
			break
		}
	}
	s.entries[id] = entry{key: key, expires: expires}
	s.order = append(s.order, id)
	if len(s.order) > 2*s.capacity {
		s.compactLocked()
	}
	s.mu.Unlock()

	return Ticket{KeyID: id, PublicKey: der, ExpiresAt: expires}, nil
}

// Take removes the key for id and returns it. A key is handed out at most once,
// so a retried login carrying the same ciphertext cannot reuse it.
func (s *Store) Take(id string) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok || s.now().After(e.expires) {
		return nil, ErrKeyNotFound
	}
	return e.key, nil
}

// DecryptWith consumes the key for id and opens ciphertext with it.
func (s *Store) DecryptWith(id string, ciphertext []byte) ([]byte, error) {
	key, err := s.Take(id)
	if err != nil {
		return nil, err
	}
	return Decrypt(ciphertext, key)
}

// Len reports the number of outstanding keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired keys and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, id)
			removed++
		}
	}
	s.compactLocked()
	return removed
}

// Run sweeps expired keys until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("transport keys evicted", zap.Int("count", n))
			}
		}
	}
}

func (s *Store) evictOldestLocked() bool {
	for len(s.order) > 0 {
		id := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.entries[id]; ok {
			delete(s.entries, id)
			return true
		}
	}
	return false
}

func (s *Store) compactLocked() {
	live := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.entries[id]; ok {
			live = append(live, id)
		}
	}
	s.order = live
}
