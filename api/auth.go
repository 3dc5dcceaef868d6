/*
auth.go - Authentication for the HTTP adapter

PURPOSE:
  Issues and verifies HS256 access tokens, hashes passwords with bcrypt and
  provides the middleware that resolves the caller.

TOKENS:
  Access tokens carry the user id in "uid". EventSource clients cannot set
  headers, so /api/events also accepts ?token=.

ADMIN:
  Admin routes require X-Admin-Token to match the configured token. An empty
  configured token disables them.
*/
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/referral-engine/referral"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid token")

// =============================================================================
// TOKENS
// =============================================================================

type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Issue signs an access token for id.
func (tm *TokenManager) Issue(id referral.UserID) (string, time.Time, error) {
	now := tm.now()
	exp := now.Add(tm.ttl)
	claims := Claims{
		UserID: string(id),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse verifies a token and returns the user id it was issued for.
func (tm *TokenManager) Parse(token string) (referral.UserID, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(tm.now))
	if err != nil || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return referral.UserID(claims.UserID), nil
}

// =============================================================================
// PASSWORDS
// =============================================================================

func HashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(plain, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey struct{}

// UserID returns the authenticated caller.
func UserID(ctx context.Context) (referral.UserID, bool) {
	id, ok := ctx.Value(ctxKey{}).(referral.UserID)
	return id, ok
}

func withUserID(ctx context.Context, id referral.UserID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Authenticate rejects requests without a valid token for an existing user.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Please authenticate", nil)
			return
		}
		id, err := h.Tokens.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Please authenticate", err)
			return
		}
		if _, err := h.Engine.Store().GetUser(r.Context(), id); err != nil {
			writeError(w, http.StatusUnauthorized, "Please authenticate", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), id)))
	})
}

// RequireAdmin checks the static admin token.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "Admin token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	ah := r.Header.Get("Authorization")
	if len(ah) > 7 && strings.EqualFold(ah[:7], "bearer ") {
		return strings.TrimSpace(ah[7:])
	}
	return r.URL.Query().Get("token")
}
