// Package server provides the public entry point for initializing the
// postpilot control plane.
//
// This package lives in pkg/ (not internal/) so that other binaries can
// compose the full server and substitute their own collaborators:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// With custom collaborators:
//
//	srv, err := server.NewWithConfig(ctx, cfg, server.WithPlatform(myPublisher))
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentoven/postpilot/internal/api"
	"github.com/agentoven/postpilot/internal/api/handlers"
	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/guardrails"
	"github.com/agentoven/postpilot/internal/llm"
	"github.com/agentoven/postpilot/internal/notify"
	"github.com/agentoven/postpilot/internal/orchestrator"
	"github.com/agentoven/postpilot/internal/publisher"
	"github.com/agentoven/postpilot/internal/react"
	"github.com/agentoven/postpilot/internal/retention"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/internal/sessions"
	"github.com/agentoven/postpilot/internal/sns"
	"github.com/agentoven/postpilot/internal/stock"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/internal/telemetry"
	"github.com/agentoven/postpilot/internal/tracer"
	"github.com/agentoven/postpilot/internal/verifier"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized postpilot control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// MCP is the tool server also mounted at /mcp. Exposed so a binary can
	// serve it over stdio instead.
	MCP *mcpserver.MCPServer

	// Store is the durable table store (SQLite or in-memory).
	Store store.Store

	Bus          *eventbus.Bus
	Tracer       *tracer.Tracer
	Sessions     *sessions.Manager
	Stock        *stock.Manager
	Queue        *retry.FailedQueue
	Sweeper      *retry.Sweeper
	Publisher    *publisher.Service
	Orchestrator *orchestrator.Orchestrator
	React        *react.Loop
	Janitor      *retention.Janitor
	Notify       *notify.Service

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error

	archive *eventbus.PgSink
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// collaborators are the external services the core consumes.
type collaborators struct {
	generator contracts.ContentGenerator
	platform  contracts.Publisher
	auth      contracts.Authenticator
	vision    contracts.VisionClassifier
	roles     map[string]contracts.Role
}

// Option overrides one collaborator.
type Option func(*collaborators)

// WithGenerator sets the content generator used for stock refills.
func WithGenerator(g contracts.ContentGenerator) Option {
	return func(c *collaborators) { c.generator = g }
}

// WithPlatform sets the platform publisher.
func WithPlatform(p contracts.Publisher) Option {
	return func(c *collaborators) { c.platform = p }
}

// WithAuthenticator sets the platform login collaborator.
func WithAuthenticator(a contracts.Authenticator) Option {
	return func(c *collaborators) { c.auth = a }
}

// WithVision sets the screenshot classifier used by the verifier.
func WithVision(v contracts.VisionClassifier) Option {
	return func(c *collaborators) { c.vision = v }
}

// WithRoles sets the orchestrator roles (cmo, creative, coo).
func WithRoles(roles map[string]contracts.Role) Option {
	return func(c *collaborators) { c.roles = roles }
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, opts...)
}

// NewWithConfig builds every component from cfg. Nothing runs in the
// background until Start.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	collab := defaultCollaborators(cfg)
	for _, opt := range opts {
		opt(&collab)
	}

	s := &Server{Config: cfg, Port: cfg.Port, ShutdownFunc: shutdown}

	s.Store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}

	// Event bus, optionally archived to Postgres
	busOpts := []eventbus.Option{
		eventbus.WithCapacity(cfg.Events.MaxLog),
		eventbus.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
		eventbus.WithSnapshot(dataPath(cfg, "events.json")),
	}
	if cfg.Database.URL != "" {
		sink, err := eventbus.NewPgSink(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			log.Warn().Err(err).Msg("Postgres event archive unavailable, continuing without it")
		} else if err := sink.EnsureTable(ctx); err != nil {
			log.Warn().Err(err).Msg("Postgres event archive migration failed, continuing without it")
			sink.Close()
		} else {
			s.archive = sink
			busOpts = append(busOpts, eventbus.WithSink(sink))
			log.Info().Msg("✅ Postgres event archive attached")
		}
	}
	s.Bus = eventbus.New(busOpts...)
	log.Info().Int("capacity", cfg.Events.MaxLog).Msg("✅ Event bus initialized")

	s.Tracer = tracer.New(
		tracer.WithMaxChains(cfg.Tracer.MaxChains),
		tracer.WithSnapshot(dataPath(cfg, "chains.json")),
		tracer.WithEmitter(s.Bus),
	)
	if n := s.Tracer.ReapInterrupted(); n > 0 {
		log.Warn().Int("chains", n).Msg("Reaped chains interrupted by the previous shutdown")
	}

	s.Sessions, err = sessions.NewManager(s.Store, collab.auth, cfg.Session.Secret, cfg.Session.TTL,
		sessions.WithEmitter(s.Bus))
	if err != nil {
		s.closeComponents()
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	guard := guardrails.New(cfg.Guardrails)
	s.Stock = stock.New(s.Store, collab.generator, guard, cfg.Stock, stock.WithEmitter(s.Bus))
	s.Queue = retry.NewFailedQueue(s.Store, s.Bus)

	knowledge := orchestrator.NewKnowledge(cfg.KnowledgeDir, cfg.Orchestrator.MaxInsights)
	s.Orchestrator = orchestrator.New(collab.roles, s.Tracer, s.Stock, guard, knowledge, s.Bus, cfg.Orchestrator)

	retryOpts := retry.OptionsFromConfig(cfg.Retry)
	s.Publisher = publisher.New(publisher.Deps{
		Stock:     s.Stock,
		Sessions:  s.Sessions,
		Platform:  collab.platform,
		Verifier:  verifier.New(collab.vision, s.Sessions, s.Bus),
		Queue:     s.Queue,
		Chains:    s.Tracer,
		Generator: collab.generator,
		Guard:     guard,
		Bus:       s.Bus,
	}, cfg.Stock, retryOpts)
	s.Sweeper = retry.NewSweeper(s.Queue, s.Publisher, cfg.Retry.SweepInterval)

	s.React, err = react.New(react.Deps{
		Stock:    s.Stock,
		Failures: s.Queue,
		Events:   s.Bus,
		Chains:   s.Tracer,
		Bus:      s.Bus,
		Goals:    dailyGoals(cfg.Stock),
		Actions:  s.reactActions(),
		Retry:    retryOpts,
	}, cfg.React)
	if err != nil {
		s.closeComponents()
		return nil, fmt.Errorf("init react loop: %w", err)
	}

	s.Janitor = retention.NewJanitor(s.Tracer, s.Sessions, s.Stock, cfg.Janitor.Interval,
		retention.WithOrphanTTL(cfg.Tracer.OrphanTTL),
		retention.WithUsedRetention(cfg.Stock.UsedRetention),
	)
	s.Notify = notify.NewService(cfg.Notify)

	h := &handlers.Handlers{
		Store:        s.Store,
		Bus:          s.Bus,
		Tracer:       s.Tracer,
		Sessions:     s.Sessions,
		Stock:        s.Stock,
		Queue:        s.Queue,
		Sweeper:      s.Sweeper,
		Publisher:    s.Publisher,
		Orchestrator: s.Orchestrator,
		React:        s.React,
	}
	s.MCP = api.NewMCPServer(h, cfg.Version)
	s.Handler = api.NewRouter(cfg, h, s.MCP)

	log.Info().
		Strs("accounts", cfg.Stock.AccountNames()).
		Str("store", cfg.Store).
		Bool("llm", collab.roles != nil).
		Msg("✅ Control plane initialized")
	return s, nil
}

// Start launches the background workers: failed-queue sweeper, retention
// janitor, webhook alerts and, when configured, the ReAct loop.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.goRun(func() { s.Sweeper.Run(ctx) })
	s.goRun(func() { s.Janitor.Start(ctx) })

	if s.Notify.Enabled() {
		sub := s.Bus.Subscribe(models.EventFilter{})
		s.goRun(func() {
			defer sub.Unsubscribe()
			s.Notify.Run(ctx, sub.C)
		})
	}

	if s.Config.React.AutoStart {
		if err := s.React.Start(nil); err != nil {
			log.Error().Err(err).Msg("Failed to auto-start ReAct loop")
		}
	}
}

func (s *Server) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops the workers and releases every resource. Safe to call twice.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.React.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.closeComponents()
		if s.ShutdownFunc != nil {
			if serr := s.ShutdownFunc(ctx); serr != nil && err == nil {
				err = serr
			}
		}
	})
	return err
}

func (s *Server) closeComponents() error {
	if s.Orchestrator != nil {
		s.Orchestrator.Knowledge().Close()
	}
	if s.Tracer != nil {
		s.Tracer.Close()
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.archive != nil {
		s.archive.Close()
	}
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		log.Info().Str("dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(cfg.DataDir), nil
	case "", "sqlite":
		st, err := store.OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite or memory)", cfg.Store)
	}
}

// defaultCollaborators wires the HTTP-backed services. The SNS client is
// always present and reports sns.ErrNotConfigured for missing endpoints;
// without an LLM the generator and roles stay nil.
func defaultCollaborators(cfg *config.Config) collaborators {
	client := sns.NewClient(cfg.SNS)
	c := collaborators{platform: client, auth: client}
	if chat := llm.NewClient(cfg.LLM); chat.Enabled() {
		prompts := cfg.Orchestrator.Prompts
		c.generator = llm.NewGenerator(chat, prompts)
		c.roles = llm.NewRoles(chat, prompts)
		if cfg.LLM.VisionModel != "" {
			c.vision = llm.NewVision(chat, cfg.LLM.VisionModel, prompts)
		}
	}
	return c
}

func dataPath(cfg *config.Config, name string) string {
	if cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, name)
}

func dailyGoals(cfg config.StockConfig) map[string]int {
	goals := make(map[string]int, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.DailyPostGoal > 0 {
			goals[a.Name] = a.DailyPostGoal
		}
	}
	return goals
}
