package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var ErrTokenInvalid = errors.New("token is invalid")

// Build выпускает токен. Сам сервис токены не выдает,
// используется в тестах и служебных утилитах.
func Build(secret string, actor string, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse проверяет подпись и срок, возвращает участника и его роль.
func Parse(secret string, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.Role == "" {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
