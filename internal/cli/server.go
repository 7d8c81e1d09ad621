package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quiz-arena-service/internal/auth"
	"quiz-arena-service/internal/config"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/game"
	"quiz-arena-service/internal/infra/memory"
	pgloader "quiz-arena-service/internal/infra/postgres"
	infraredis "quiz-arena-service/internal/infra/redis"
	"quiz-arena-service/internal/results"
	transport "quiz-arena-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo game.QuizRepository
	if redisClient != nil {
		quizRepo = infraredis.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var resultQueue results.Queue = memory.NewResultsQueue(0)
	if redisClient != nil {
		resultQueue = infraredis.NewResultsQueue(redisClient)
	}
	var sink game.ResultSink
	var publisher *results.Publisher
	if cfg.Results.BaseURL != "" {
		store := results.NewHTTPStore(cfg.Results.BaseURL, config.TTLDuration(cfg.Results.Timeout, 10*time.Second))
		publisher = results.NewPublisher(store, resultQueue, logger)
		sink = publisher
	} else {
		logger.Warn("no results base_url configured, game results will only be logged")
		sink = logSink{logger: logger}
	}

	var pinStore game.PINReserver
	if redisClient != nil {
		pinStore = infraredis.NewPINStore(redisClient)
	}

	registry := game.NewRegistry(cfg.GameConfig(), quizRepo, sink, pinStore, clockwork.NewRealClock(), logger)
	verifier := auth.ForSecret(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt_secret configured, accepting unauthenticated identities")
	}
	gateway := transport.NewGateway(registry, verifier, logger)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     gateway.Routes(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived sockets.
	}

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if publisher != nil {
		go publisher.RunFlusher(serverCtx, config.TTLDuration(cfg.Results.FlushInterval, time.Minute))
	}

	go func() {
		logger.Info("starting quiz arena", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	}

	registry.CloseAll()
	if publisher != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = publisher.Flush(flushCtx)
		flushCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// logSink is the no-upstream fallback: results land in the log and nowhere
// else.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) Publish(_ context.Context, result *domain.Result) {
	s.logger.Info("game finished",
		zap.String("room_id", result.RoomID),
		zap.String("quiz_id", result.QuizID),
		zap.Int("players", len(result.Players)),
		zap.Int64("duration_ms", result.DurationMS))
}

// sampleQuizzes backs the static loader used when no Postgres is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{Index: 0, Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1},
				{Index: 1, Prompt: "What is 3 × 3?", Options: []string{"6", "9", "12"}, CorrectIndex: 1, TimeLimitMS: 15000},
			},
		},
	}
}
