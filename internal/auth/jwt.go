package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// ServiceTokenConfig holds the signing parameters of the worker's
// service-to-service token.
type ServiceTokenConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	Subject    string
	TTL        time.Duration
}

// ServiceClaims identifies the calling service.
type ServiceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Predefined errors for token operations.
var (
	ErrNoSigningKey  = errors.New("no signing key configured")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token has expired")
	ErrSigningMethod = errors.New("unexpected signing method")
)

// ServiceTokenSource signs HS256 bearer tokens and caches each one until
// shortly before it expires. Safe for concurrent use.
type ServiceTokenSource struct {
	config ServiceTokenConfig
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewServiceTokenSource returns nil when cfg has no signing key, which
// disables bearer auth for callers that accept a nil source.
func NewServiceTokenSource(cfg ServiceTokenConfig) *ServiceTokenSource {
	if cfg.SigningKey == "" {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Subject == "" {
		cfg.Subject = "email-service"
	}
	return &ServiceTokenSource{config: cfg, now: time.Now}
}

// Token returns a valid signed token.
func (s *ServiceTokenSource) Token() (string, error) {
	if s == nil {
		return "", ErrNoSigningKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.config.TTL)
	claims := ServiceClaims{
		Scope: "notifications:read",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   s.config.Subject,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if s.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.config.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}

// ParseServiceToken validates tokenString against signingKey. The
// enrichment service stubs in tests use it to check the bearer header.
func ParseServiceToken(tokenString, signingKey string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrSigningMethod
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, ErrSigningMethod):
			return nil, ErrSigningMethod
		default:
			return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
