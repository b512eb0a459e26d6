package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// Origin 校验 websocket 握手的 Origin；allowed 为空或包含 "*" 时放行
func Origin(wsPath string, allowed []string) gin.HandlerFunc {
	open := len(allowed) == 0 || lo.Contains(allowed, "*")
	allow := lo.SliceToMap(allowed, func(o string) (string, struct{}) {
		return strings.ToLower(strings.TrimRight(o, "/")), struct{}{}
	})
	return func(c *gin.Context) {
		if open || c.Request.Method != http.MethodGet || c.Request.URL.Path != wsPath {
			c.Next()
			return
		}
		origin := strings.ToLower(strings.TrimRight(c.GetHeader("Origin"), "/"))
		if origin == "" {
			// 非浏览器客户端
			c.Next()
			return
		}
		if _, ok := allow[origin]; !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
