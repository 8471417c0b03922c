package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildParse(t *testing.T) {
	tokenString, err := Build("secret", "admin1", "admin", time.Hour)
	require.NoError(t, err)

	claims, err := Parse("secret", tokenString)
	require.NoError(t, err)
	require.Equal(t, "admin1", claims.Subject)
	require.Equal(t, "admin", claims.Role)

	_, err = Parse("other", tokenString)
	require.ErrorIs(t, err, ErrTokenInvalid)

	expired, err := Build("secret", "admin1", "admin", -time.Minute)
	require.NoError(t, err)
	_, err = Parse("secret", expired)
	require.ErrorIs(t, err, ErrTokenInvalid)

	noRole, err := Build("secret", "admin1", "", time.Hour)
	require.NoError(t, err)
	_, err = Parse("secret", noRole)
	require.ErrorIs(t, err, ErrTokenInvalid)
}
