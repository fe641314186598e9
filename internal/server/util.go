package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeArtifact accepts an empty path (use the default) or an absolute,
// already clean path with no line breaks. Line breaks would split the
// command sent to the scripting port.
func isSafeArtifact(p string) bool {
	if p == "" {
		return true
	}
	if strings.ContainsAny(p, "\r\n\x00") {
		return false
	}
	if !filepath.IsAbs(p) {
		return false
	}
	return filepath.Clean(p) == p
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
