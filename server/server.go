// Package server assembles the lindagate HTTP server: it builds the shared
// dependencies from the configuration, mounts the route table and applies
// configuration changes while serving.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/server/handlers"
	"github.com/teilomillet/lindagate/server/metrics"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/processing"
	"github.com/teilomillet/lindagate/server/provider"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"github.com/teilomillet/lindagate/server/routing"
	"github.com/teilomillet/lindagate/server/safety"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

// tokenEncoding is used to budget chat history in tokens.
const tokenEncoding = "cl100k_base"

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	watcher    config.Watcher
	logger     *zap.Logger

	metrics  *metrics.Metrics
	filter   *safety.Filter
	origins  *middleware.Origins
	limiter  ratelimit.Limiter
	sweeper  *ratelimit.Sweeper
	queue    *middleware.Queue
	handlers *handlers.Handlers
	router   *routing.Router

	// rulesFile is the rule table currently loaded into filter
	mu        sync.Mutex
	rulesFile string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer loads configPath, watches it for changes and builds the server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	s, err := NewServerWithConfig(watcher, logger)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConfig builds the server from the watcher's current
// configuration. Later configurations replace the safety rules and the
// origin allow-list; other settings apply on restart.
func NewServerWithConfig(watcher config.Watcher, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := watcher.GetCurrentConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules, err := loadRules(cfg.Safety.RulesFile)
	if err != nil {
		return nil, err
	}

	builder, err := processing.NewBuilder(cfg.Prompts)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompts: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	s := &Server{
		watcher:   watcher,
		logger:    logger,
		metrics:   metrics.NewMetrics(),
		filter:    safety.NewFilter(rules),
		origins:   middleware.NewOrigins(cfg.Guard.AllowedOrigins),
		limiter:   limiter,
		sweeper:   ratelimit.NewSweeper(limiter, cfg.RateLimit.SweepSchedule, logger),
		rulesFile: cfg.Safety.RulesFile,
		stop:      make(chan struct{}),
	}
	if cfg.Queue.Enabled {
		s.queue = middleware.NewQueue(cfg.Queue, s.metrics, logger)
	}

	var tokenizer validation.Tokenizer
	if cfg.Limits.HistoryTokens > 0 {
		tokenizer = &validation.LazyTokenizer{Encoding: tokenEncoding}
	}

	s.handlers = handlers.New(handlers.Options{
		Config:    cfg,
		Filter:    s.filter,
		Builder:   builder,
		Client:    provider.NewClient(cfg.CircuitBreaker, logger, s.metrics),
		Limiter:   limiter,
		Queue:     s.queue,
		Metrics:   s.metrics,
		Logger:    logger,
		Tokenizer: tokenizer,
	})

	if err := routing.Validate(cfg.Routes, s.handlers); err != nil {
		limiter.Close()
		return nil, fmt.Errorf("invalid route table: %w", err)
	}
	s.router = routing.NewRouter(cfg, routing.Deps{
		Handlers: s.handlers,
		Metrics:  s.metrics,
		Limiter:  limiter,
		Queue:    s.queue,
		Origins:  s.origins,
		Logger:   logger,
	})

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go s.watchConfig()
	return s, nil
}

// Validate checks cfg the way NewServerWithConfig does, without opening
// the rate limiter or starting any background work.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	rules, err := loadRules(cfg.Safety.RulesFile)
	if err != nil {
		return err
	}
	builder, err := processing.NewBuilder(cfg.Prompts)
	if err != nil {
		return fmt.Errorf("failed to build prompts: %w", err)
	}
	h := handlers.New(handlers.Options{
		Config:  cfg,
		Filter:  safety.NewFilter(rules),
		Builder: builder,
	})
	if err := routing.Validate(cfg.Routes, h); err != nil {
		return fmt.Errorf("invalid route table: %w", err)
	}
	return nil
}

func loadRules(path string) (*safety.RuleSet, error) {
	if path == "" {
		return safety.DefaultRules(), nil
	}
	rules, err := safety.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load safety rules: %w", err)
	}
	return rules, nil
}

// Handler returns the root handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the server's metric set.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) watchConfig() {
	updates := s.watcher.Subscribe()
	for {
		select {
		case <-s.stop:
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.applyConfig(cfg)
		}
	}
}

// applyConfig swaps the parts of cfg that can change while serving.
// The rule table is reloaded on every change, since the watcher also
// fires when only the rule file was edited.
func (s *Server) applyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := loadRules(cfg.Safety.RulesFile)
	if err != nil {
		s.logger.Error("keeping previous safety rules", zap.Error(err))
	} else {
		s.filter.Swap(rules)
		s.rulesFile = cfg.Safety.RulesFile
		s.logger.Info("safety rules updated",
			zap.String("version", rules.Version),
			zap.String("file", s.rulesFile),
		)
	}

	s.origins.Set(cfg.Guard.AllowedOrigins)
	s.logger.Info("origin allow-list updated", zap.Int("origins", len(cfg.Guard.AllowedOrigins)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Server started", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		timeout := s.watcher.GetCurrentConfig().Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops accepting requests, waits for in-flight ones and
// releases the limiter and the config watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	s.stopOnce.Do(func() { close(s.stop) })

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("error during server shutdown: %w", err)
	}
	if s.queue != nil {
		if err := s.queue.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("admission queue did not drain: %w", err)
		}
	}
	s.sweeper.Stop()
	if err := s.limiter.Close(); err != nil {
		s.logger.Warn("failed to close rate limiter", zap.Error(err))
	}
	if err := s.watcher.Close(); err != nil {
		s.logger.Warn("failed to close config watcher", zap.Error(err))
	}
	return firstErr
}
