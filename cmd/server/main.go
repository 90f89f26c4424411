package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/client"
	"github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/crypto"
	"github.com/epw80/studyhall/pkg/game"
	"github.com/epw80/studyhall/pkg/hub"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/metrics"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/ranking"
	"github.com/epw80/studyhall/pkg/room"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/epw80/studyhall/pkg/streak"
	"github.com/epw80/studyhall/pkg/word"
	"github.com/gorilla/websocket"
)

const (
	// how often active games are checked for expired rounds
	sweepInterval = time.Second
	sweepPageSize = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// TODO: Restrict in production
		return true
	},
}

type Server struct {
	hub       *hub.Hub
	store     *storage.DynamoDBStore
	rooms     *room.Service
	engine    *game.Engine
	collector *metrics.Collector
	logger    *slog.Logger
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		status, code = "degraded", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Extract user info from query params (in production, use proper auth)
	userID := r.URL.Query().Get("userId")
	username := r.URL.Query().Get("username")

	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if username == "" {
		username = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection",
			slog.String("error", err.Error()))
		return
	}

	c := client.New(s.hub, conn, userID, username, s.postMessage, s.logger)
	s.hub.Register(c)
	c.Start()

	s.logger.Info("new websocket connection",
		slog.String("userId", userID),
		slog.String("username", username),
		slog.String("clientID", c.ID()))
}

// postMessage stores a chat post and pushes it to the room's members.
func (s *Server) postMessage(ctx context.Context, msg *message.Message) error {
	stored, err := s.rooms.PostMessage(ctx, msg.RoomID, msg.UserID, msg.Username, msg.Content)
	if err != nil {
		return err
	}
	r, err := s.rooms.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	data, err := stored.ToJSON()
	if err != nil {
		return err
	}
	s.hub.SendToUsers(r.MemberIDs, data)
	return nil
}

// sweepTimeouts ends rounds whose time limit passed. It reads only the rooms
// listed as having an open round. Any number of processes may sweep at once;
// the room transition lets one of them win.
func (s *Server) sweepTimeouts(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cursor := ""
		for {
			rooms, next, err := s.rooms.ListActiveGames(ctx, sweepPageSize, cursor)
			if err != nil {
				s.logger.Warn("failed to list active games for timeout sweep", slog.String("error", err.Error()))
				break
			}
			for _, r := range rooms {
				summary, err := s.engine.CheckTimeout(ctx, r.RoomID)
				if err != nil {
					s.logger.Warn("timeout check failed",
						slog.String("roomId", r.RoomID),
						slog.String("error", err.Error()))
					continue
				}
				if summary != nil {
					s.logger.Info("round timed out",
						slog.String("round", summary.RoundID.String()),
						slog.Int("correct", len(summary.Correct)))
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", s.collector.Handler())
	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup logger with configured level
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("loaded configuration",
		slog.String("port", cfg.Port),
		slog.String("dynamodb_endpoint", cfg.DynamoDBEndpoint),
		slog.String("dynamodb_region", cfg.DynamoDBRegion),
		slog.String("table", cfg.TableName),
		slog.String("log_level", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	collector := metrics.NewCollector("studyhall")
	dynamo := storage.NewDynamoDBStore(storage.NewDynamoDBClient(awsCfg, cfg.DynamoDBEndpoint), cfg.TableName, logger)
	store := storage.Instrument(dynamo, collector)

	h := hub.New(logger)
	publishers := notify.Multi{notify.NewHubPublisher(h)}
	if cfg.EventBusName != "" {
		publishers = append(publishers, notify.NewEventBridgePublisher(
			eventbridge.NewFromConfig(awsCfg), cfg.EventBusName, cfg.EventSource,
			notify.DefaultBreakerConfig(), logger))
	}
	notifier := notify.NewNotifier(publishers, logger, collector)

	loc := cfg.Streak.Location()
	badges := badge.NewService(store, notifier, logger)
	aggregator := ranking.NewAggregator(store, notifier, logger,
		ranking.WithMilestones(cfg.Ranking.Milestones),
		ranking.WithLocation(loc),
		ranking.WithBadges(badges),
		ranking.WithMetrics(collector))
	streaks := streak.NewCalculator(store, notifier, logger,
		streak.WithBadgeThresholds(cfg.Streak.Badges),
		streak.WithBadges(badges),
		streak.WithLocation(loc))

	rooms := room.NewService(store, crypto.FromConfig(cfg.Argon2), room.SettingsFromConfig(cfg), logger)
	words := word.NewCatalog(store, logger)
	engine := game.NewEngine(store, rooms, game.ExactMatch, game.SettingsFromConfig(cfg.Game), logger,
		game.WithSink(scoring.Fanout{aggregator, streaks}),
		game.WithBadges(badges),
		game.WithNotifier(notifier),
		game.WithQuestions(game.NewWordQuestions(words)))

	srv := &Server{
		hub:       h,
		store:     dynamo,
		rooms:     rooms,
		engine:    engine,
		collector: collector,
		logger:    logger,
	}

	go h.Run()
	go srv.sweepTimeouts(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.setupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn("pending notifications not published", slog.String("error", err.Error()))
	}
	h.Shutdown()

	logger.Info("server exited")
}
