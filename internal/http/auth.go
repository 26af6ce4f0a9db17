package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"triage-dispatcher/internal/triage"
)

// Claims identify the clinician behind a dashboard token.
type Claims struct {
	Supervisor bool `json:"supervisor,omitempty"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// IssueToken signs a bearer token for clinicianID.  A zero ttl issues a
// token that never expires.
func IssueToken(secret []byte, clinicianID string, supervisor bool, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Supervisor: supervisor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  clinicianID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates a bearer token and returns the clinician it names.
func ParseToken(secret []byte, raw string) (triage.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return triage.Actor{}, err
	}
	if claims.Subject == "" {
		return triage.Actor{}, errors.New("token has no subject")
	}
	return triage.Actor{ClinicianID: claims.Subject, Supervisor: claims.Supervisor}, nil
}

// requireClinician rejects requests without a valid bearer token and puts
// the clinician into the request context.
func requireClinician(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || len(secret) == 0 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			actor, err := ParseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

// requireSupervisor must run after requireClinician.
func requireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).Supervisor {
			writeError(w, http.StatusForbidden, "supervisor role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) triage.Actor {
	a, _ := ctx.Value(actorKey{}).(triage.Actor)
	return a
}
