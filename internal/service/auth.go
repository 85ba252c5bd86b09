package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/trolltoll/trolltoll-backend/internal/apperror"
	"github.com/trolltoll/trolltoll-backend/internal/pkg"
)

// AuthService issues and verifies anonymous identities. A fresh identity is
// an opaque random id wrapped in a signed session token; presenting the token
// again resumes the same identity. There is no retry built in - a failed
// verification surfaces as ErrInvalidToken and the caller decides.
type AuthService interface {
	Authenticate(token string) (userID, freshToken string, err error)
}

type authServiceImpl struct {
	secretKey string
}

func NewAuthService(secretKey string) AuthService {
	return &authServiceImpl{
		secretKey: secretKey,
	}
}

func (that *authServiceImpl) Authenticate(token string) (string, string, error) {
	if token == "" {
		userID := pkg.GenerateNewSessionID()

		signed, err := that.generateToken(userID)
		if err != nil {
			return "", "", err
		}

		return userID, signed, nil
	}

	userID, err := that.verifyToken(token)
	if err != nil {
		return "", "", err
	}

	return userID, token, nil
}

func (that *authServiceImpl) generateToken(userID string) (string, error) {
	claims := jwt.MapClaims{}
	claims["sub"] = userID
	claims["exp"] = time.Now().Add(time.Hour * 24).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(that.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (that *authServiceImpl) verifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(that.secretKey), nil
	})
	if err != nil || !token.Valid {
		return "", apperror.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperror.ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", apperror.ErrInvalidToken
	}

	return userID, nil
}
