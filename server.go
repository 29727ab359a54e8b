package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/possync"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per client address in fixed windows.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "possync:ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// redis trouble must not take the sync API down
		config.LogError(config.GetLogger(), "server.go", "RateLimitMiddleware", "redis", key, err)
		c.Next()
		return
	}

	if incr.Val() > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func int64FromEnv(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func main() {
	logger := config.GetLogger()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err.Error())
	}

	// SIGTERM drains in-flight pushes before exit.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.OpenDatabaseWithRetry(cfg.Store)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	store, err := models.NewGormStore(db)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
	}

	var locker workflow.CounterLocker = workflow.NewKeyedMutex()
	var extra []gin.HandlerFunc
	if cfg.RedisAddress != "" {
		if err := config.ConnectRedisWithRetry(sigCtx, cfg.RedisAddress, 5); err != nil {
			logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; counters use in-process locks: " + err.Error())
		} else {
			defer func() { _ = config.CloseRedis() }()
			locker = workflow.DefaultCounterLocker()

			// Env: RATE_LIMIT_ENABLED=true, RATE_LIMIT_WINDOW_SECONDS=60, RATE_LIMIT_MAX_REQUESTS=600
			if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
				window := time.Duration(int64FromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
				limiter := NewRateLimiter(config.GetRedisDB(), int64FromEnv("RATE_LIMIT_MAX_REQUESTS", 600), window)
				extra = append(extra, limiter.RateLimitMiddleware)
			}
		}
	}

	srv := possync.NewServer(store, locker, []byte(cfg.JwtSecret), cfg.TokenLifespan)
	srv.DefaultBatchSize = cfg.DefaultBatchSize

	if cfg.PubSubTopic != "" {
		stopForwarder := possync.NewPubSubForwarder(cfg.PubSubTopic).Attach(sigCtx, srv.Bus)
		defer stopForwarder()
	}

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: possync.NewRouter(srv, extra...),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- httpSrv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"event":  "sync.server.started",
		"port":   cfg.Port,
		"driver": cfg.Store.Driver,
		"pubsub": cfg.PubSubTopic != "",
	}).Info("sync server listening")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
