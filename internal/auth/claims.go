package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// signingMethod is the only algorithm accepted when parsing.
var signingMethod = jwt.SigningMethodHS256

// Claims is the payload of both token types.
//
// Access tokens carry email and role. Refresh tokens carry the family ID
// ("fam") instead; their jti is the revocable token ID.
type Claims struct {
	jwt.RegisteredClaims
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role,omitempty"`
	FamilyID string `json:"fam,omitempty"`
}

// signClaims returns the compact HS256 serialisation of claims.
func signClaims(claims *Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(signingMethod, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", claims.Type, err)
	}
	return signed, nil
}

// parseClaims checks the signature and algorithm only. Time-based claims are
// validated by the caller against its injected clock, so that an expired
// token can be told apart from a forged one.
func parseClaims(raw string, secret []byte) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
