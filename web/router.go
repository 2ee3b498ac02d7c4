package web

import (
	"fmt"
	"log"

	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func Router(conf *util.AppConfig) error {
	log.Printf("Starting HTTP API on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Max 1MB request body size for message batches
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	api := g.Group("/api/v1", maxBodySize)
	{
		api.PUT("/send/:txnId", func(c *gin.Context) {
			HandleSend(c, conf)
		})

		api.GET("/messages/:user/:device", HandlePoll)
		api.DELETE("/messages/:user/:device", HandleAck)

		api.GET("/replication", HandleReplication)

		api.POST("/devices/:user", HandleCreateDevice)
		api.DELETE("/devices/:user/:device", HandleDeleteDevice)
	}

	// Ops feed of failing delivery destinations
	g.GET("/feed", func(c *gin.Context) {
		HandleFeed(c, conf)
	})

	if conf.Conf.WithFederation {
		// Stricter rate limit for federation endpoints: 5 req/sec per IP
		fedLimiter := NewRateLimiter(rate.Limit(5), 10)

		fed := g.Group("/federation/v1", RateLimitMiddleware(fedLimiter), maxBodySize)
		{
			fed.POST("/send", func(c *gin.Context) {
				HandleFederationSend(c, conf)
			})

			fed.GET("/key", func(c *gin.Context) {
				HandleFederationKey(c, conf)
			})
		}
	}

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}
