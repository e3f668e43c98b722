package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/google/uuid"
)

// RequestID tags every request with an X-Request-ID, generating one when the
// caller did not send it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// BrokerAuth admits only callers presenting the shared broker secret in the
// X-Broker-Secret header.
func BrokerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Broker-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warningf("rejected broker callback from %s request_id=%s", c.ClientIP(), c.GetString("request_id"))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Message: "broker secret required"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("%s %s %d %s request_id=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.GetString("request_id"))
	}
}

// CORS allows the given origins; "*" allows any.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Content-Type", "Accept", "X-Request-ID"}
	cfg.ExposeHeaders = []string{"X-Request-ID"}
	return cors.New(cfg)
}

// NewRouter builds the gin engine with the standard middleware stack.
func NewRouter(h *HTTPHandler, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger())
	r.Use(CORS(origins))
	h.RegisterRoutes(r)
	return r
}
