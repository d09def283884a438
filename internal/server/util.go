package server

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountPath turns a configured base path into the prefix the routes are
// mounted under: "" for the root, otherwise a cleaned path with a leading
// slash and no trailing one.
func mountPath(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// respond writes v as JSON. Status snapshots go stale immediately, so
// responses are never cacheable.
func respond(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
