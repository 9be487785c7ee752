package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// DefaultSessionTTL is the lifetime of issued session tokens.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Claims is the JWT body of a session token.
type Claims struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	MFAVerified bool   `json:"mfa_verified"`
	jwt.RegisteredClaims
}

// TokenCodec decodes and issues HS256 session tokens.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenCodec creates a codec. A zero ttl selects DefaultSessionTTL.
func NewTokenCodec(secret string, ttl time.Duration) (*TokenCodec, error) {
	if secret == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "auth.NewTokenCodec", "session secret not configured")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token carrying claims. ExpiresAt is set from the codec's ttl.
func (c *TokenCodec) Issue(claims *interfaces.SessionClaims) (string, error) {
	now := c.now()
	return c.sign(claims, now, now.Add(c.ttl))
}

// Reissue signs changed claims of an existing session. The new token expires
// with the session it replaces and never later than a fresh one would.
func (c *TokenCodec) Reissue(claims *interfaces.SessionClaims) (string, error) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expiresAt) {
		expiresAt = claims.ExpiresAt
	}
	return c.sign(claims, now, expiresAt)
}

func (c *TokenCodec) sign(claims *interfaces.SessionClaims, now, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:      claims.SubjectID,
		Email:       claims.Email,
		Role:        claims.Role,
		MFAVerified: claims.MFAVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.SubjectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(c.secret)
}

// Decode validates the signature and expiry of token and returns its claims.
func (c *TokenCodec) Decode(token string) (*interfaces.SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, interfaces.Errorf(interfaces.ErrAuthentication, "auth.Decode", "token has expired")
		}
		return nil, interfaces.Errorf(interfaces.ErrAuthentication, "auth.Decode", "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, interfaces.Errorf(interfaces.ErrAuthentication, "auth.Decode", "invalid token claims")
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return nil, interfaces.Errorf(interfaces.ErrAuthentication, "auth.Decode", "token has no subject")
	}

	out := &interfaces.SessionClaims{
		SubjectID:   subject,
		Email:       claims.Email,
		Role:        claims.Role,
		MFAVerified: claims.MFAVerified,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
