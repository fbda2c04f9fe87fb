package coordinator

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/clock"
)

const (
	// DefaultAdminTokenTTL is the lifetime of a minted operator token
	DefaultAdminTokenTTL = 12 * time.Hour

	adminIssuer = "plowfleet-coordinator"
	adminScope  = "fleet-admin"
)

// ErrAdminToken is returned for every rejected operator token
var ErrAdminToken = errors.New("invalid operator token")

// AdminClaims are the JWT claims of an operator token
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Operator returns the token subject
func (c *AdminClaims) Operator() string {
	return c.Subject
}

// AdminAuthenticatorConfig contains configuration for the authenticator
type AdminAuthenticatorConfig struct {
	SigningKey []byte
	TTL        time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// AdminAuthenticator mints and validates HS256 operator tokens
type AdminAuthenticator struct {
	signingKey []byte
	ttl        time.Duration
	clock      clock.Clock
	logger     *zap.Logger
}

// NewAdminAuthenticator creates an authenticator. Without a signing key a
// random one is generated and tokens do not survive a restart.
func NewAdminAuthenticator(config AdminAuthenticatorConfig) (*AdminAuthenticator, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		config.SigningKey = key
		config.Logger.Warn("No admin signing key configured, generated an ephemeral one")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultAdminTokenTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &AdminAuthenticator{
		signingKey: config.SigningKey,
		ttl:        config.TTL,
		clock:      config.Clock,
		logger:     config.Logger,
	}, nil
}

// Mint issues a token for operator. A zero ttl uses the configured TTL.
func (a *AdminAuthenticator) Mint(operator string, ttl time.Duration) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", fmt.Errorf("operator name is required")
	}
	if ttl <= 0 {
		ttl = a.ttl
	}

	now := a.clock.Now()
	claims := AdminClaims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   operator,
			Issuer:    adminIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	a.logger.Info("Minted operator token",
		zap.String("operator", operator),
		zap.String("token_id", claims.ID),
		zap.Time("expires_at", claims.ExpiresAt.Time),
	)
	return token, nil
}

// Validate parses and checks an operator token
func (a *AdminAuthenticator) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.signingKey, nil
	},
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdminToken, err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrAdminToken
	}
	if claims.Scope != adminScope || claims.Subject == "" {
		return nil, fmt.Errorf("%w: wrong scope", ErrAdminToken)
	}
	return claims, nil
}

// bearerToken extracts the token from an Authorization header
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
