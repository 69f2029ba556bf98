package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
)

func Auth(t *testing.T, env *Env) {
	t.Run("login success", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/auth/login", dto.LoginRequest{
			Email:    adminEmail,
			Password: adminPassword,
		})
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, adminEmail, resp.User.Email)
		assert.Equal(t, "admin", resp.User.Role)
		assert.False(t, resp.ExpiresAt.IsZero())
	})

	t.Run("wrong password", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/auth/login", dto.LoginRequest{
			Email:    adminEmail,
			Password: "not-the-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/auth/login", dto.LoginRequest{
			Email:    "nobody@overcast.test",
			Password: "irrelevant123",
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed request", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/auth/login", map[string]string{"email": "not-an-email"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("protected route without token", func(t *testing.T) {
		rr := doJSON(env.Router, "GET", "/api/devices", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
