package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pymemad.org/internal/access"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

var ErrInvalidToken = errors.New("httpapi: invalid token")

// Authenticator verifies the HS256 context token minted by the identity
// provider. The token conveys who the caller is; their current role set is
// loaded from the store on each request so revocations apply immediately.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret []byte, issuer string) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("httpapi: token secret is required")
	}
	return &Authenticator{secret: secret, issuer: issuer}, nil
}

type contextClaims struct {
	Superuser bool `json:"superuser"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token, returning the subject user id and
// the superuser flag.
func (a *Authenticator) Verify(token string) (string, bool, error) {
	var claims contextClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", false, ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", false, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", false, ErrInvalidToken
	}
	return claims.Subject, claims.Superuser, nil
}

// Mint issues a context token. Used by tests and the local dev tooling; in
// production the identity provider signs with the shared secret.
func (a *Authenticator) Mint(userID string, superuser bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := contextClaims{
		Superuser: superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		userID, superuser, err := a.authn.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := a.service.UserContextFor(r.Context(), userID, superuser)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		next.ServeHTTP(w, r.WithContext(access.ContextWithUser(r.Context(), user)))
	})
}

// ensureAdmin gates mutating endpoints on the superuser flag.
func (a *API) ensureAdmin(w http.ResponseWriter, r *http.Request) bool {
	if a.authn == nil {
		return true
	}
	user, ok := access.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !user.Superuser {
		writeError(w, r, http.StatusForbidden, "superuser required")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
