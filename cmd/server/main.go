package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"groupmesh/config"
	"groupmesh/handlers"
	"groupmesh/repository"
	"groupmesh/services"
	"groupmesh/ws"
)

// loggingMiddleware adds request logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request completed")
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Sec-WebSocket-Protocol, Sec-WebSocket-Extensions, Sec-WebSocket-Key, Sec-WebSocket-Version, Upgrade, Connection")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	logrus.WithFields(logrus.Fields{
		"port":           cfg.Port,
		"retain_history": cfg.RetainHistory,
	}).Info("Starting groupmesh server")

	// --- repos ---
	groupRepo := repository.NewInMemoryGroupRepo()

	var historyRepo repository.HistoryRepository
	if cfg.RetainHistory {
		historyRepo, err = repository.NewBadgerHistoryRepo(cfg.HistoryDir)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open history store")
		}
		defer historyRepo.Close()
	}

	// --- websocket hub ---
	hub := ws.NewHub()

	// --- services ---
	sessionSvc := services.NewSessionService(cfg.SessionSecret, cfg.SessionTTLHours)
	groupSvc := services.NewGroupService(groupRepo, historyRepo, hub)
	msgSvc := services.NewMessageService(groupRepo, historyRepo, hub, cfg.MaxMessageLength, cfg.HistoryLimit)
	router := &ws.Router{Groups: groupSvc, Messages: msgSvc}

	// --- handlers ---
	sessionH := handlers.NewSessionHandler(sessionSvc)
	historyH := handlers.NewHistoryHandler(msgSvc, sessionSvc)
	wsH := handlers.NewWSHandler(hub, sessionSvc, router)

	// --- mux and routes ---
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	})

	mux.HandleFunc("/api/session", sessionH.Create)                           // POST {userName}
	mux.HandleFunc("/api/messages", historyH.WithAuth(historyH.ListMessages)) // GET ?groupId=
	mux.HandleFunc("/ws", wsH.Serve)                                          // WS ?token=<token>

	handler := withCORS(loggingMiddleware(mux))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- graceful shutdown ---
	go func() {
		logrus.WithField("addr", "http://localhost:"+cfg.Port).Info("Server running")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}
