package docstore

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_RoundTrip(t *testing.T) {
	auth := NewJWTAuth("secret")

	token, err := auth.GenerateToken("alice", "tablet-1", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "tablet-1", claims.DeviceID)
}

func TestJWTAuth_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("one").GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("two").ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTAuth_RejectsExpired(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("alice", "", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTAuth_GenerateRequiresOwner(t *testing.T) {
	_, err := NewJWTAuth("secret").GenerateToken("", "", time.Hour)
	assert.Error(t, err)
}

func TestJWTAuth_Middleware(t *testing.T) {
	auth := NewJWTAuth("secret")
	var seen string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OwnerFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	token, err := auth.GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", seen)
}
