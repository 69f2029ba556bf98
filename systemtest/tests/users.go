package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
)

func Users(t *testing.T, env *Env) {
	token := adminToken(t, env)

	t.Run("create operator", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/users", dto.CreateUserRequest{
			Email:     "operator@overcast.test",
			Password:  "password123",
			FirstName: "Op",
			LastName:  "Erator",
			Role:      "operator",
		}, token)
		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.UserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "operator@overcast.test", resp.Email)
		assert.Equal(t, "operator", resp.Role)
		assert.NotEmpty(t, resp.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		body := dto.CreateUserRequest{
			Email:    "dup@overcast.test",
			Password: "password123",
			Role:     "viewer",
		}
		rr := doJSONWithAuth(env.Router, "POST", "/api/users", body, token)
		require.Equal(t, http.StatusCreated, rr.Code)

		rr = doJSONWithAuth(env.Router, "POST", "/api/users", body, token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/users", dto.CreateUserRequest{
			Email:    "weird@overcast.test",
			Password: "password123",
			Role:     "superuser",
		}, token)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("list users", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/users", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp []dto.UserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, len(resp), 2)
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/auth/login", dto.LoginRequest{
			Email:    "operator@overcast.test",
			Password: "password123",
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var login dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))

		rr = doJSONWithAuth(env.Router, "GET", "/api/users", nil, login.Token)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("no token", func(t *testing.T) {
		rr := doJSON(env.Router, "GET", "/api/users", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
