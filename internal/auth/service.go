package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taxflow/internal/models"
)

// Service verifies and mints the bearer tokens that identify session owners.
type Service struct {
	secret     []byte
	issuer     string
	tokenTTL   time.Duration
	cookieName string
	headerName string
}

// NewService constructs an auth service signing with the given HMAC secret.
func NewService(secret, issuer string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secret:     []byte(secret),
		issuer:     issuer,
		tokenTTL:   ttl,
		cookieName: "auth_token",
		headerName: "Authorization",
	}, nil
}

// IssueToken mints a token for the subject. ttl <= 0 uses the configured lifetime.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": subject,
		"sub":     subject,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the owner id it carries.
// Every failure wraps models.ErrUnauthorized.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: token required", models.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: token carries no subject", models.ErrUnauthorized)
}

// AuthCookieName returns the cookie name that may carry the token.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
