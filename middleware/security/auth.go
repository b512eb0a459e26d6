package security

import (
	"net/http"
	"strings"

	"PPRelay/tools/errs"
	jwtsec "PPRelay/tools/security"

	"github.com/gin-gonic/gin"
)

// context key
const (
	PPCtxAuthKey     = "authorization"     // string，原始 token
	PPCtxAuthHashKey = "authorizationHash" // string
	PPCtxUserKey     = "authUser"          // string，校验通过后的 sub
)

type Options struct {
	HeaderToken               string // 默认 "authorization"
	HeaderHash                string // 默认 "authorizationHash"
	QueryToken                string // 浏览器 websocket 无法带头，默认 "token"
	EnableAuthorizationBearer bool   // 默认 true

	JWT jwtsec.Options
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		HeaderHash:                PPCtxAuthHashKey,
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
		JWT:                       jwtsec.DefaultOptions(secret),
	}
}

// TokenFromRequest 依次读取自定义头、Authorization: Bearer、query 参数
func TokenFromRequest(r *http.Request, opts *Options) (token, hash string) {
	// HeaderToken 默认就是 authorization，值可能带 Bearer 前缀
	token = stripBearer(r.Header.Get(opts.HeaderToken))
	hash = strings.TrimSpace(r.Header.Get(opts.HeaderHash))

	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); hasBearer(authz) {
			token = stripBearer(authz)
		}
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(r.URL.Query().Get(opts.QueryToken))
	}
	return token, hash
}

const bearerPrefix = "bearer "

func hasBearer(v string) bool {
	return len(v) > len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix)
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if hasBearer(v) {
		return strings.TrimSpace(v[len(bearerPrefix):])
	}
	return v
}

// Authenticate 校验请求上的 token，返回其 subject
func Authenticate(r *http.Request, opts *Options) (string, error) {
	token, hash := TokenFromRequest(r, opts)
	if token == "" {
		return "", errs.ErrUnauthorized.WrapMsg("missing token")
	}
	claims, err := jwtsec.Verify(opts.JWT, token, hash)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Middleware 校验失败直接 401；成功后把 user 写入 context
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, hash := TokenFromRequest(c.Request, opts)
		user, err := Authenticate(c.Request, opts)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.Code(err), "msg": errs.ErrUnauthorized.Msg})
			return
		}
		c.Set(PPCtxAuthKey, token)
		if hash != "" {
			c.Set(PPCtxAuthHashKey, hash)
		}
		c.Set(PPCtxUserKey, user)
		c.Next()
	}
}

func UserFromContext(c *gin.Context) string {
	return c.GetString(PPCtxUserKey)
}
