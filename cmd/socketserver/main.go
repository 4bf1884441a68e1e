// Command socketserver runs the realtime WebSocket fan-out endpoint: one
// authenticated client per user room, replaying the bounded per-user Redis
// stream from a client-supplied lastEventId before switching to the live
// pub/sub broadcast.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/infrastructure/config"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/middleware"
)

func main() {
	_ = godotenv.Load(".env")

	logger := logging.NewFromEnv("numhub-socketserver")
	rootCtx := context.Background()

	redisClient := redis.NewClient(&redis.Options{Addr: config.GetEnv("REDIS_ADDR", "localhost:6379")})
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		logger.Fatal(rootCtx, "connect to redis", err)
	}
	defer redisClient.Close()

	registry := events.DefaultRegistry()
	publisher := fanout.NewPublisher(redisClient, registry, nil, logger)
	hub := fanout.NewHub(redisClient, publisher, logger)

	router := mux.NewRouter()
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)

	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{Secret: []byte(config.RequireEnv("JWT_SECRET")), Logger: logger})
	router.Handle("/ws", auth.Handler(http.HandlerFunc(hub.ServeWS))).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetPort("socketserver", 8082)),
		Handler: router,
	}

	shutdown := middleware.NewGracefulShutdown(server, 10*time.Second)
	shutdown.OnShutdown(func() { _ = redisClient.Close() })
	shutdown.ListenForSignals()

	logger.Info(rootCtx, "socketserver listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(rootCtx, "socketserver", err)
	}
}
