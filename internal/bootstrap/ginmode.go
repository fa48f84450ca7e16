package bootstrap

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// SetGinMode switches Gin to release mode outside development and test.
func SetGinMode(env string) {
	switch strings.ToLower(env) {
	case "production", "staging":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}
}
