package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Authentication errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const (
	contextKeySubject = "subject"
	tokenTypeAdmin    = "admin"
)

// Authenticator mints and checks HS256 admin tokens.
type Authenticator struct {
	secret []byte
	admins map[string]bool
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty admin list accepts
// any subject holding a valid token.
func NewAuthenticator(secret string, admins []string, issuer string, ttl time.Duration) *Authenticator {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &Authenticator{
		secret: []byte(secret),
		admins: set,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// IssueToken signs a token for subject.
func (a *Authenticator) IssueToken(subject string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
	}
	if !a.allowed(subject) {
		return "", fmt.Errorf("%w: %s is not an admin", ErrForbidden, subject)
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"type": tokenTypeAdmin,
		"iss":  a.issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(a.ttl).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken returns the subject of a valid admin token.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrUnauthorized
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}
	if tokenType, _ := claims["type"].(string); tokenType != tokenTypeAdmin {
		return "", ErrUnauthorized
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", ErrUnauthorized
	}
	if !a.allowed(subject) {
		return "", fmt.Errorf("%w: %s is not an admin", ErrForbidden, subject)
	}
	return subject, nil
}

func (a *Authenticator) allowed(subject string) bool {
	return len(a.admins) == 0 || a.admins[subject]
}

// Middleware validates the Bearer token and stores the subject in the echo context.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return ErrUnauthorized
			}
			subject, err := a.ValidateToken(parts[1])
			if err != nil {
				return err
			}
			c.Set(contextKeySubject, subject)
			return next(c)
		}
	}
}

// Subject returns the authenticated subject.
func Subject(c echo.Context) string {
	s, _ := c.Get(contextKeySubject).(string)
	return s
}
