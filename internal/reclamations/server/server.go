package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/25x8/reclamations/internal/reclamations/config"
	"github.com/25x8/reclamations/internal/reclamations/events"
	"github.com/25x8/reclamations/internal/reclamations/handlers"
	"github.com/25x8/reclamations/internal/reclamations/inference"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/middleware"
	"github.com/25x8/reclamations/internal/reclamations/photos"
	"github.com/25x8/reclamations/internal/reclamations/repository"
	"github.com/25x8/reclamations/internal/reclamations/service"
	"github.com/25x8/reclamations/internal/reclamations/triage"
)

// App is the wired application: storage, analysis pipeline and ledger
type App struct {
	Repo      repository.Repository
	Validator *service.Validator
	Ledger    *loyalty.Ledger
	Events    events.Publisher
}

// NewApp opens the store and builds the pipeline from configuration
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	policy, rules, err := cfg.Tuning()
	if err != nil {
		return nil, err
	}

	opts := cfg.InferenceOptions()
	labeler, err := inference.NewLabeler(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("labeler: %w", err)
	}
	if labeler == nil {
		log.Printf("No image labeling backend configured, photos go through multimodal analysis")
	}
	completer, err := inference.NewCompleter(opts)
	if err != nil {
		return nil, fmt.Errorf("completer: %w", err)
	}
	if cfg.ProbeBackends {
		if err := inference.Probe(ctx, completer); err != nil {
			return nil, fmt.Errorf("probe %s backend: %w", cfg.Completer, err)
		}
		log.Printf("Completion backend %s is reachable", cfg.Completer)
	}

	repo, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	pub := events.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	ledger := loyalty.NewLedger(repo, rules)
	validator := service.NewValidator(
		repo,
		&triage.ImageAnalyzer{
			Resolver:  photos.NewDirResolver(cfg.UploadsDir),
			Labeler:   labeler,
			Completer: completer,
			Policy:    policy,
			Timeout:   cfg.BackendTimeout,
		},
		&triage.TextAnalyzer{
			Completer: completer,
			Policy:    policy,
			Timeout:   cfg.BackendTimeout,
		},
		policy,
		ledger,
		pub,
	)

	return &App{Repo: repo, Validator: validator, Ledger: ledger, Events: pub}, nil
}

// OpenStore opens the configured store; the in-memory store is used when no
// database URI is configured
func OpenStore(cfg *config.Config) (repository.Repository, error) {
	var repo repository.Repository
	if cfg.DatabaseURI == "" {
		log.Printf("No database URI configured, using the in-memory store")
		repo = repository.NewMemoryRepository()
	} else {
		repo = repository.NewPostgresRepository()
	}
	if err := repo.InitDB(cfg.DatabaseURI); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	return repo, nil
}

// Close releases the event publisher and the store
func (a *App) Close() error {
	if err := a.Events.Close(); err != nil {
		log.Printf("Error closing event publisher: %v", err)
	}
	return a.Repo.Close()
}

// Server represents the HTTP server
type Server struct {
	cfg           *config.Config
	app           *App
	taskProcessor *service.TaskProcessor
	httpServer    *http.Server
}

// NewServer creates a new server
func NewServer(cfg *config.Config, app *App) *Server {
	taskProcessor := service.NewTaskProcessor(app.Repo, app.Validator, cfg.ProcessorConfig())
	app.Validator.Wake = taskProcessor.Wake

	handler := handlers.NewHandler(app.Repo, app.Validator, app.Ledger, cfg.JWTSecret)
	jwtConfig := &middleware.JWTConfig{
		SecretKey: cfg.JWTSecret,
		Repo:      app.Repo,
	}

	return &Server{
		cfg:           cfg,
		app:           app,
		taskProcessor: taskProcessor,
		httpServer: &http.Server{
			Addr:    cfg.RunAddress,
			Handler: handlers.NewRouter(handler, jwtConfig),
		},
	}
}

// Run starts the task processor and the HTTP server
func (s *Server) Run() error {
	s.taskProcessor.Start()

	log.Printf("Starting server on %s", s.cfg.RunAddress)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.taskProcessor != nil {
		s.taskProcessor.Stop()
	}

	if s.app != nil {
		if err := s.app.Close(); err != nil {
			return err
		}
	}

	return nil
}
