package auth

import (
	"errors"
	"time"

	"esign-workflow/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

func secret() []byte {
	return []byte(config.AppConfig.JWTSecret)
}

// GenerateJWT signs an owner token. Operators normally get theirs from the
// identity provider in front of this service.
func GenerateJWT(ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func VerifyJWT(tokenString string) (*jwt.Token, error) {
	jwtToken, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if !jwtToken.Valid {
		return nil, errors.New("token invalid")
	}

	return jwtToken, nil
}

// OwnerFromToken reads the owner id from the sub claim.
func OwnerFromToken(token *jwt.Token) (string, error) {
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}
