package utils

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var JwtSecret = []byte("8c2de7b1-55f4-4a19-9d0e-41b9fb6f2c8a")

func init() {
	if s := os.Getenv("JWT_SECRET"); s != "" {
		JwtSecret = []byte(s)
	}
}

type Claims struct {
	UserId      int64  `json:"user_id"`
	Username    string `json:"username"`
	AccessLevel int32  `json:"access_level"`
	jwt.RegisteredClaims
}

func GenerateToken(userID int64, username string, accessLevel int32, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		UserId:      userID,
		Username:    username,
		AccessLevel: accessLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   username,
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(JwtSecret)
	return s, exp, err
}

func ParseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return JwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("Invalid Token")
}
