package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	midsec "PPRelay/middleware/security"
	jwtsec "PPRelay/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOrigin(t *testing.T) {
	r := gin.New()
	r.Use(Origin("/chat", []string{"https://app.example/"}))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/chat", ok)
	r.GET("/online", ok)

	cases := []struct {
		path, origin string
		want         int
	}{
		{"/chat", "https://app.example", http.StatusOK},
		{"/chat", "HTTPS://APP.EXAMPLE/", http.StatusOK},
		{"/chat", "", http.StatusOK},
		{"/chat", "https://evil.example", http.StatusForbidden},
		{"/online", "https://evil.example", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, serve(r, req).Code, "%s %s", tc.path, tc.origin)
	}
}

func TestOriginWildcard(t *testing.T) {
	r := gin.New()
	r.Use(Origin("/chat", []string{"*"}))
	r.GET("/chat", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set("Origin", "https://anything.example")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestManagerOrderAndAbort(t *testing.T) {
	var seen []string
	mark := func(name string) gin.HandlerFunc {
		return func(c *gin.Context) { seen = append(seen, name) }
	}
	m := NewManager(mark("a"))
	m.Add(mark("b"))

	r := gin.New()
	r.Use(m.Use())
	r.GET("/x", func(c *gin.Context) {
		seen = append(seen, "handler")
		c.Status(http.StatusOK)
	})

	serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, seen)

	// 运行期改动中间件立即生效
	seen = nil
	m.Clear()
	m.Add(func(c *gin.Context) { c.AbortWithStatus(http.StatusTeapot) })
	w := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Empty(t, seen)
}

func TestRecover(t *testing.T) {
	r := gin.New()
	r.Use(Recover(zap.NewNop()), AccessLog(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "ServerInternalError")
}

func TestRouteAuth(t *testing.T) {
	opts := midsec.DefaultOptions([]byte("secret"))
	r := gin.New()
	GET(r, "/me", func(c *gin.Context) {
		c.String(http.StatusOK, midsec.UserFromContext(c))
	}, RouteOpt{IsAuth: true, Auth: opts})
	GET(r, "/open", func(c *gin.Context) { c.Status(http.StatusOK) }, RouteOpt{IsAuth: true})

	token, hash, _, err := jwtsec.Generate(opts.JWT, "alice", nil)
	require.NoError(t, err)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = serve(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(midsec.PPCtxAuthKey, token)
	req.Header.Set(midsec.PPCtxAuthHashKey, hash)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req.Header.Set(midsec.PPCtxAuthHashKey, "sha256:bad")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	// Auth 为空时不校验
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/open", nil)).Code)
}
