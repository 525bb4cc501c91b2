// Package bridge hands a provisioned launch over to the application's own
// account system. The engine only needs two operations from it: resolve a
// user by email and mint a session for that user.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ProfileHints is the name material available when a user is first created
// from a launch. All fields may be empty.
type ProfileHints struct {
	GivenName  string
	FamilyName string
	FullName   string
	Role       string // instructor|student
}

// UserHandle identifies an application user.
type UserHandle struct {
	UserID string
	Email  string
	Role   string
}

// SessionTokens is the credential pair handed to the browser after a
// successful launch, via the exchange-code redemption.
type SessionTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// SessionBridge is implemented by the surrounding application. LocalBridge
// is the built-in standalone implementation.
type SessionBridge interface {
	FindOrCreateUserByEmail(ctx context.Context, email string, hints ProfileHints) (UserHandle, error)
	MintSession(ctx context.Context, user UserHandle) (SessionTokens, error)
}

// LocalBridge keeps users in memory and mints HS256 JWT sessions. It serves
// standalone deployments and tests; anything multi-instance should
// implement SessionBridge against its real user store.
type LocalBridge struct {
	hmac       []byte
	sessionTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	users map[string]UserHandle // email -> handle
}

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func NewLocalBridge(secret string, sessionTTL time.Duration) *LocalBridge {
	if sessionTTL <= 0 {
		sessionTTL = 8 * time.Hour
	}
	return &LocalBridge{
		hmac:       []byte(secret),
		sessionTTL: sessionTTL,
		now:        time.Now,
		users:      map[string]UserHandle{},
	}
}

func (b *LocalBridge) FindOrCreateUserByEmail(_ context.Context, email string, hints ProfileHints) (UserHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[email]; ok {
		return u, nil
	}
	u := UserHandle{UserID: uuid.NewString(), Email: email, Role: hints.Role}
	b.users[email] = u
	return u, nil
}

func (b *LocalBridge) MintSession(_ context.Context, user UserHandle) (SessionTokens, error) {
	now := b.now()
	claims := &sessionClaims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    "lti-engine",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.sessionTTL)),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.hmac)
	if err != nil {
		return SessionTokens{}, err
	}
	return SessionTokens{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(b.sessionTTL.Seconds()),
	}, nil
}

// ParseSession validates a LocalBridge access token and returns its user.
func (b *LocalBridge) ParseSession(tokenStr string) (UserHandle, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return b.hmac, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return UserHandle{}, err
	}
	return UserHandle{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}
