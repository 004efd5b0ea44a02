// Package auth resolves the caller of an API request from a bearer JWT.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/access"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/logging"
)

var (
	// ErrTokenMissing signals a request without a bearer token.
	ErrTokenMissing = errors.New("auth: bearer token missing")
	// ErrTokenInvalid signals a token that failed signature or claim checks.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

const callerKey = "caller"

type contextKey string

const callerContextKey contextKey = "github.com/imrishuroy/go-foodorder-orderflow/internal/auth/caller"

// Claims is the token payload understood by the API.
type Claims struct {
	Email        string `json:"email,omitempty"`
	Role         string `json:"role"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithClock overrides the time source used for exp/nbf checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a Verifier for the given secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses token and resolves the caller it names.
func (v *Verifier) Verify(token string) (access.Caller, error) {
	if strings.TrimSpace(token) == "" {
		return access.Caller{}, ErrTokenMissing
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return access.Caller{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now, false) {
		return access.Caller{}, fmt.Errorf("%w: token expired", ErrTokenInvalid)
	}
	if !claims.VerifyNotBefore(now, false) {
		return access.Caller{}, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return access.Caller{}, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return access.Caller{}, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	// Unknown roles still authenticate; the access policy denies them.
	role, ok := access.ParseRole(claims.Role)
	if !ok {
		role = access.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	}
	return access.Caller{
		ID:           claims.Subject,
		Email:        strings.TrimSpace(claims.Email),
		Role:         role,
		RestaurantID: strings.TrimSpace(claims.RestaurantID),
	}, nil
}

// Sign issues a token for caller valid for ttl. It backs local tooling and tests.
func (v *Verifier) Sign(caller access.Caller, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email:        caller.Email,
		Role:         string(caller.Role),
		RestaurantID: caller.RestaurantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  caller.ID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved caller on both the gin and request contexts.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := bearerToken(c.GetHeader("Authorization"))
		caller, err := v.Verify(token)
		if err != nil {
			logging.FromContext(c.Request.Context()).Info("authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "UNAUTHENTICATED",
				"msg":   "a valid bearer token is required",
			})
			return
		}
		c.Set(callerKey, caller)
		c.Request = c.Request.WithContext(WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

// FromGin returns the caller stored by Middleware.
func FromGin(c *gin.Context) (access.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return access.Caller{}, false
	}
	caller, ok := v.(access.Caller)
	return caller, ok
}

// WithCaller stores the caller in ctx.
func WithCaller(ctx context.Context, caller access.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFrom retrieves the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (access.Caller, bool) {
	if ctx == nil {
		return access.Caller{}, false
	}
	caller, ok := ctx.Value(callerContextKey).(access.Caller)
	return caller, ok
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
