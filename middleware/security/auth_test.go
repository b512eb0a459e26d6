package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	jwtsec "PPRelay/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFromRequest(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))

	cases := []struct {
		name   string
		header map[string]string
		query  string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "", "abc"},
		{"bearer lower case", map[string]string{"authorization": "bearer  abc "}, "", "abc"},
		{"raw header", map[string]string{"Authorization": "abc"}, "", "abc"},
		{"query", nil, "?token=abc", "abc"},
		{"header wins over query", map[string]string{"Authorization": "Bearer h"}, "?token=q", "h"},
		{"none", nil, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/chat"+tc.query, nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			token, _ := TokenFromRequest(r, opts)
			assert.Equal(t, tc.want, token)
		})
	}
}

func TestAuthenticateBearer(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	token, _, _, err := jwtsec.Generate(opts.JWT, "alice", nil)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	user, err := Authenticate(r, opts)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	r.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = Authenticate(r, opts)
	assert.Error(t, err)
}
