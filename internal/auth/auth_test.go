package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/commission/internal/token"
)

func TestMiddleware(t *testing.T) {
	const secret = "secret"
	a := NewAuth(secret)

	var gotActor, gotRole string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get(HeaderActorKey)
		gotRole = r.Header.Get(HeaderRoleKey)
	}, RoleAdmin)

	adminToken, err := token.Build(secret, "admin1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	beneficiaryToken, err := token.Build(secret, "b1", RoleBeneficiary, time.Hour)
	require.NoError(t, err)

	// bearer, подмененный заголовок клиента затирается
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+adminToken)
	r.Header.Set(HeaderActorKey, "intruder")
	w := httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "admin1", gotActor)
	require.Equal(t, RoleAdmin, gotRole)

	// куки
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieToken, Value: adminToken})
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	// чужая роль
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+beneficiaryToken)
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)

	// без токена
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
