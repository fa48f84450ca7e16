package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"firebase.google.com/go/v4/auth"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

var ErrInvalidToken = errors.New("invalid identity token")

// TokenVerifier is the subset of the Firebase Auth client used here.
// *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	GetUser(ctx context.Context, uid string) (*auth.UserRecord, error)
}

// FirebaseSource turns verified Firebase ID tokens into identity events.
// A token for the identity that is already signed in is reported as a
// token refresh.
type FirebaseSource struct {
	verifier TokenVerifier
	emitter  *Emitter

	mu      sync.Mutex
	current string
}

func NewFirebaseSource(verifier TokenVerifier) *FirebaseSource {
	return &FirebaseSource{verifier: verifier, emitter: NewEmitter()}
}

func (s *FirebaseSource) Subscribe(fn func(Event)) func() {
	return s.emitter.Subscribe(fn)
}

// SignInWithToken verifies idToken and publishes the resulting identity.
func (s *FirebaseSource) SignInWithToken(ctx context.Context, idToken string) (*domain.Identity, error) {
	token, err := s.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}

	id := identityFromToken(token)
	// The user record carries verified flags and the phone number; claims
	// are enough when it cannot be read.
	if rec, err := s.verifier.GetUser(ctx, token.UID); err == nil && rec != nil {
		id = mergeUserRecord(id, rec)
	}

	s.mu.Lock()
	eventType := SignedIn
	if s.current == id.ID {
		eventType = TokenRefreshed
	}
	s.current = id.ID
	s.mu.Unlock()

	s.emitter.Publish(Event{Type: eventType, Identity: &id})
	return &id, nil
}

// VerifyToken checks idToken without touching the session and returns the
// uid it was issued to.
func (s *FirebaseSource) VerifyToken(ctx context.Context, idToken string) (string, error) {
	token, err := s.verify(ctx, idToken)
	if err != nil {
		return "", err
	}
	return token.UID, nil
}

func (s *FirebaseSource) verify(ctx context.Context, idToken string) (*auth.Token, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, ErrInvalidToken
	}
	token, err := s.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return token, nil
}

func (s *FirebaseSource) SignOut() {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()

	s.emitter.SignOut()
}

func identityFromToken(token *auth.Token) domain.Identity {
	id := domain.Identity{ID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		id.Email = email
	}
	if name, ok := token.Claims["name"].(string); ok {
		id.DisplayName = name
	}
	if verified, ok := token.Claims["email_verified"].(bool); ok {
		id.EmailVerified = verified
	}
	if phone, ok := token.Claims["phone_number"].(string); ok && phone != "" {
		id.Phone = &phone
	}
	return id
}

func mergeUserRecord(id domain.Identity, rec *auth.UserRecord) domain.Identity {
	id.EmailVerified = rec.EmailVerified
	if rec.UserInfo == nil {
		return id
	}
	if rec.Email != "" {
		id.Email = rec.Email
	}
	if rec.DisplayName != "" {
		id.DisplayName = rec.DisplayName
	}
	if rec.PhoneNumber != "" {
		phone := rec.PhoneNumber
		id.Phone = &phone
	}
	return id
}
