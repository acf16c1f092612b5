package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/ratelimit"
	"github.com/rs/zerolog"
)

const (
	ctxUserID    = "userId"
	ctxJWTSecret = "jwtSecret"
	ctxRequestID = "requestId"

	headerRequestID = "X-Request-ID"
)

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Status:  "error",
		Code:    "UNAUTHORIZED",
		Message: message,
	})
}

// JWTSecretMiddleware makes the signing secret available to AuthMiddleware.
func JWTSecretMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxJWTSecret, secret)
		c.Next()
	}
}

// AuthMiddleware returns a Gin middleware for authentication
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get the JWT token from the Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Authentication required")
			return
		}

		// Check if the Authorization header starts with "Bearer "
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "Invalid token format")
			return
		}

		jwtSecret := c.MustGet(ctxJWTSecret).([]byte)
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid token")
			return
		}

		// The subject is the numeric user id.
		sub, err := token.Claims.GetSubject()
		if err != nil {
			unauthorized(c, "Invalid token claims")
			return
		}
		userID, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || userID <= 0 {
			unauthorized(c, "Invalid user ID in token")
			return
		}

		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// AccessLogMiddleware writes one structured line per request.
func AccessLogMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}

		event.
			Str("request_id", c.GetString(ctxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// RateLimitMiddleware rejects callers over their window with 429. It keys on
// the user set by AuthMiddleware, so it must run after it. Limiter errors let
// the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := c.Get(ctxUserID)
		if !ok {
			c.Next()
			return
		}
		key := fmt.Sprintf("user:%d", userID)

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitedTotal.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Status:  "error",
				Code:    "RATE_LIMITED",
				Message: "Too many requests",
			})
			return
		}
		c.Next()
	}
}
