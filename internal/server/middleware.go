package server

import (
	"encoding/json"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth/limiter"
	"github.com/didip/tollbooth_gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/anatolykoptev/go-imagecheck/internal/logger"
)

// TokenBucketPerIP limits each client address to rate requests per second.
func TokenBucketPerIP(rate float64) gin.HandlerFunc {
	message := map[string]any{
		"error": "Too many requests, slow down.",
	}
	jsonMessage, _ := json.Marshal(message)

	tlbthLimiter := tollbooth.NewLimiter(rate, &limiter.ExpirableOptions{
		DefaultExpirationTTL: time.Minute * 1,
	})
	tlbthLimiter.SetMessageContentType("application/json")
	tlbthLimiter.SetMessage(string(jsonMessage))

	return tollbooth_gin.LimitHandler(tlbthLimiter)
}

// CORS allows the configured origins; an empty list allows any origin
// without credentials.
func CORS(origins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "User-Agent"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		logger.Info("request", logger.LoggerOptions{
			Key: "http",
			Data: map[string]any{
				"method":     ctx.Request.Method,
				"path":       ctx.FullPath(),
				"status":     ctx.Writer.Status(),
				"latency_ms": time.Since(start).Milliseconds(),
				"ip":         ctx.ClientIP(),
			},
		})
	}
}
