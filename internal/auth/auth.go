// Package auth identifies the learner behind a request. Tokens are only
// verified here; issuing them is someone else's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxkey string

const learnerKey ctxkey = "learner"

// LearnerHeader carries the learner ID when no JWT secret is configured.
const LearnerHeader = "X-Learner-ID"

var (
	ErrNoCredentials = errors.New("no learner credentials")
	ErrBadToken      = errors.New("could not verify token")
)

// StoreLearnerInContext returns a context carrying learnerID.
func StoreLearnerInContext(ctx context.Context, learnerID string) context.Context {
	return context.WithValue(ctx, learnerKey, learnerID)
}

// LearnerFromContext returns the learner ID stored by StoreLearnerInContext,
// or "" if there is none.
func LearnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(learnerKey).(string)
	return id
}

// Verifier extracts learner IDs from requests.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a Verifier. An empty secret disables token checks and
// the learner ID is read from LearnerHeader instead.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Learner returns the learner ID for r.
func (v *Verifier) Learner(r *http.Request) (string, error) {
	if len(v.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(LearnerHeader))
		if id == "" {
			return "", ErrNoCredentials
		}
		return id, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredentials
	}
	return v.Verify(strings.TrimPrefix(header, "Bearer "))
}

// Verify checks an HMAC-signed token and returns its subject.
func (v *Verifier) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrBadToken)
	}
	return claims.Subject, nil
}
