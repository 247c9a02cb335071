package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// fallback handles everything no route matched: unknown API paths get a JSON
// 404, other GETs get the file under the frontend dir or index.html.
func (s *Service) fallback(c *gin.Context) {
	p := c.Request.URL.Path
	if p == "/api" || strings.HasPrefix(p, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
		return
	}
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if s.frontendDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	target := filepath.Join(s.frontendDir, filepath.FromSlash(path.Clean("/"+p)))
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		c.File(target)
		return
	}
	c.File(filepath.Join(s.frontendDir, "index.html"))
}
