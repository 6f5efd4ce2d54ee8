package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthCookie is the cookie the dashboard stores its token in.
const AuthCookie = "auth"

// DefaultTokenTTL is the lifetime of an issued operator token.
const DefaultTokenTTL = 2 * time.Hour

// Claims identify an operator.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject and email.
func IssueToken(secret, subject, email string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if subject == "" || email == "" {
		return "", errors.New("subject and email are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken accepts only HS256 tokens carrying both a subject and an email.
func VerifyToken(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, errors.New("token missing subject or email")
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AuthCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if _, err := VerifyToken(s.opts.JWTSecret, raw); err != nil {
			s.logger.WithError(err).Debug("Rejected API token")
			http.SetCookie(w, &http.Cookie{Name: AuthCookie, Value: "", Path: "/", MaxAge: -1})
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
