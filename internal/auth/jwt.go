package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taut0logy/kothakoli/internal/domain"
)

var (
	// ErrTokenExpired is returned for a correctly signed token past its exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signatures, wrong algorithms, malformed
	// tokens and missing claims.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the signed payload of a session token. The jti claim carries the
// persisted record id.
type Claims struct {
	Role    domain.Role    `json:"role"`
	Purpose domain.Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenID returns the jti claim.
func (c *Claims) TokenID() string { return c.ID }

// Signer signs and parses HS256 session tokens.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer. A nil clock means time.Now.
func NewSigner(secret, issuer string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), issuer: issuer, now: now}
}

// Sign produces a signed token for the given record fields.
func (s *Signer) Sign(tokenID, userID string, role domain.Role, purpose domain.Purpose, issuedAt, expiresAt time.Time) (string, error) {
	claims := &Claims{
		Role:    role,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse checks the signature, algorithm, issuer and expiry. It performs no
// I/O.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	return s.parse(tokenString,
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
	)
}

// ParseSignature checks only the signature and algorithm, ignoring expiry.
// Used by revocation, which must accept tokens that are already expired.
func (s *Signer) ParseSignature(tokenString string) (*Claims, error) {
	return s.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (s *Signer) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}
	return claims, nil
}
