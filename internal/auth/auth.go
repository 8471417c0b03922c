package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/iurnickita/commission/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc, roles ...string) http.HandlerFunc
}

const (
	HeaderActorKey = "X-Commission-Actor"
	HeaderRoleKey  = "X-Commission-Role"
	cookieToken    = "commissionToken"
)

// Роли выдает внешний сервис авторизации
const (
	RoleAdmin       = "admin"
	RoleService     = "service"
	RoleBeneficiary = "beneficiary"
)

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

// Middleware пропускает запрос только с валидным токеном одной из ролей.
func (a *auth) Middleware(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение участника
		claims, err := a.getClaims(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// записываем, значения клиента затираются
		r.Header.Set(HeaderActorKey, claims.Subject)
		r.Header.Set(HeaderRoleKey, claims.Role)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getClaims(r *http.Request) (token.Claims, error) {
	// заголовок Authorization или куки
	var tokenString string
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	} else {
		tokenCookie, err := r.Cookie(cookieToken)
		if err != nil {
			return token.Claims{}, err
		}
		tokenString = tokenCookie.Value
	}
	return token.Parse(a.secret, tokenString)
}
