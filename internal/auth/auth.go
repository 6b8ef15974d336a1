// Package auth verifies bearer tokens issued by the identity provider and
// carries the caller's user id through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/packgate/internal/cryptoutil"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims are the token fields packgate reads. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type VerifierOptions struct {
	// Secret is the HS256 signing key.
	Secret cryptoutil.SecretSource

	// Issuer and Audience are enforced when set.
	Issuer   string
	Audience string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration

	Now func() time.Time
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret   cryptoutil.SecretSource
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	if opts.Secret == nil {
		return nil, xerrors.New("auth: Secret is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{
		secret:   opts.Secret,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		now:      opts.Now,
	}, nil
}

// Verify parses token and returns its claims. Every validation failure
// wraps ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	key, err := v.secret.Secret(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load token secret")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, xerrors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return &claims, nil
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// TokenVerifier is what the middleware needs from a Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Optional authenticates requests that carry a bearer token and lets
// anonymous requests through. A token that is present but invalid is
// rejected with 401 rather than silently downgraded.
func Optional(v TokenVerifier, logger log.Logger) func(http.Handler) http.Handler {
	return middleware(v, logger, false)
}

// Required rejects requests without a valid bearer token.
func Required(v TokenVerifier, logger log.Logger) func(http.Handler) http.Handler {
	return middleware(v, logger, true)
}

func middleware(v TokenVerifier, logger log.Logger, required bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok {
				if required {
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.Verify(r.Context(), tok)
			if err != nil {
				if errors.Is(err, ErrInvalidToken) {
					logger.Debug(r.Context(), "rejected bearer token", "err", err)
					unauthorized(w)
					return
				}
				logger.Error(r.Context(), err, "token verification unavailable")
				http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			ctx := WithUserID(r.Context(), claims.Subject)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("user_id", claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="packgate"`)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
