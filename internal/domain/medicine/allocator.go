package medicine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultMaxAttempts bounds the random-suffix search before the timestamp fallback.
const DefaultMaxAttempts = 20

// ExistsFunc reports whether a yakjung_code is already stored.
type ExistsFunc func(ctx context.Context, key string) (bool, error)

// Allocator hands out placeholder identities of the form fail_NNNN.
type Allocator struct {
	MaxAttempts int
	// Intn returns a value in [0, n). Tests replace it to force collisions.
	Intn func(n int) int
	Now  func() time.Time
}

// NewAllocator returns an allocator backed by math/rand and the wall clock.
func NewAllocator() *Allocator {
	return &Allocator{
		MaxAttempts: DefaultMaxAttempts,
		Intn:        rand.IntN,
		Now:         time.Now,
	}
}

// Session allocates several identities that must stay distinct from each
// other before any of them is persisted.
type Session struct {
	alloc  *Allocator
	exists ExistsFunc

	mu    sync.Mutex
	taken map[string]struct{}
}

// Session starts an allocation scope checked against exists.
func (a *Allocator) Session(exists ExistsFunc) *Session {
	return &Session{alloc: a, exists: exists, taken: make(map[string]struct{})}
}

// Allocate returns a single placeholder identity.
func (a *Allocator) Allocate(ctx context.Context, exists ExistsFunc) (Identity, error) {
	return a.Session(exists).Next(ctx)
}

// Next returns an identity unused by the store and by this session.
func (s *Session) Next(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.alloc.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	intn := s.alloc.Intn
	if intn == nil {
		intn = rand.IntN
	}

	for i := 0; i < attempts; i++ {
		key := fmt.Sprintf("%s%04d", PlaceholderPrefix, intn(10000))
		free, err := s.free(ctx, key)
		if err != nil {
			return Identity{}, err
		}
		if free {
			s.taken[key] = struct{}{}
			return Placeholder(key), nil
		}
	}

	now := s.alloc.Now
	if now == nil {
		now = time.Now
	}
	base := fmt.Sprintf("%s%d", PlaceholderPrefix, now().UnixNano())
	key := base
	for n := 1; ; n++ {
		free, err := s.free(ctx, key)
		if err != nil {
			return Identity{}, err
		}
		if free {
			break
		}
		key = fmt.Sprintf("%s_%d", base, n)
	}
	s.taken[key] = struct{}{}
	return Placeholder(key), nil
}

func (s *Session) free(ctx context.Context, key string) (bool, error) {
	if _, ok := s.taken[key]; ok {
		return false, nil
	}
	if s.exists == nil {
		return true, nil
	}
	used, err := s.exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check placeholder %s: %w", key, err)
	}
	return !used, nil
}
