// Package auth verifies and issues the bearer tokens that bind a connection
// to a user identity.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Tyrowin/chatrelay/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of tokens issued without an explicit TTL.
const DefaultTTL = 5 * time.Hour

// ErrInvalidCredential is wrapped by every verification failure.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier validates a bearer credential and yields the identity it names.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

// Claims is the token payload. Username falls back to Email when empty.
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies and issues HS256 tokens signed with a shared secret.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWT creates a JWT verifier. A non-positive ttl selects DefaultTTL.
func NewJWT(secret string, ttl time.Duration) (*JWT, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Verify parses the token, checks its signature and expiry, and returns the
// identity it carries.
func (j *JWT) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, j.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.ID <= 0 {
		return models.Identity{}, fmt.Errorf("%w: token has no user id", ErrInvalidCredential)
	}
	name := claims.Username
	if name == "" {
		name = claims.Email
	}
	if name == "" {
		return models.Identity{}, fmt.Errorf("%w: token has no username", ErrInvalidCredential)
	}

	return models.Identity{ID: claims.ID, Name: name}, nil
}

// Issue signs a token for the identity. A non-positive ttl uses the
// verifier's configured lifetime.
func (j *JWT) Issue(identity models.Identity, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = j.ttl
	}
	now := j.now()
	claims := Claims{
		ID:       identity.ID,
		Username: identity.Name,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identity.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return j.secret, nil
}
