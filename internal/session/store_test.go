package session

import (
	"context"
	"sync"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

// fakeStore is an in-memory ProfileStore. Lookups for an id block while a
// gate is installed for it.
type fakeStore struct {
	mu           sync.Mutex
	profiles     map[string]*domain.Profile
	getErr       map[string]error
	upsertErr    error
	lastLoginErr error
	gates        map[string]chan struct{}

	getCalls   int
	upserts    []domain.ProfileSeed
	lastLogins []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]*domain.Profile),
		getErr:   make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

func (s *fakeStore) put(p *domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *fakeStore) failGet(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr[id] = err
}

func (s *fakeStore) gate(id string) func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *fakeStore) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	s.mu.Lock()
	s.getCalls++
	gate := s.gates[id]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) UpsertProfile(_ context.Context, seed domain.ProfileSeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, seed)
	return s.upsertErr
}

func (s *fakeStore) UpdateLastLogin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogins = append(s.lastLogins, id)
	return s.lastLoginErr
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func persisted(id, email string, role domain.Role) *domain.Profile {
	p, err := domain.NewProfile(domain.ProfileParams{
		ID:       id,
		Email:    email,
		Role:     role,
		District: "Chennai",
		State:    "Tamil Nadu",
		Source:   domain.SourcePersisted,
	})
	if err != nil {
		panic(err)
	}
	return p
}
