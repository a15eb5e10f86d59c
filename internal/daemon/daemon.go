package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dcrange/dcrange/internal/catalog"
	"github.com/dcrange/dcrange/internal/config"
	"github.com/dcrange/dcrange/internal/salt"
	"github.com/dcrange/dcrange/internal/shell"
	"github.com/dcrange/dcrange/internal/store"
	"github.com/dcrange/dcrange/internal/terraform"
)

const (
	shutdownTimeout = 5 * time.Second
	dataDirPerms    = 0o750
)

// Service wires the control listener, the optional metrics listener and
// the orchestrator.
type Service struct {
	cfg             config.Config
	repo            store.JobRepository
	orchestrator    *Orchestrator
	listener        net.Listener
	server          *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
}

// Run opens the job store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := ensureDir(cfg.DataDir, dataDirPerms); err != nil {
		return err
	}
	repo, err := OpenRepository(cfg)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, repo)
	if err != nil {
		closeRepository(repo)
		return err
	}
	log.Printf("dcranged: state backend %s", cfg.StateBackend)
	return service.Serve(ctx)
}

// OpenRepository opens the configured job store, sealing documents when an
// age identity is configured.
func OpenRepository(cfg config.Config) (store.JobRepository, error) {
	var sealer store.Sealer
	if cfg.StateAgeIdentityPath != "" {
		if err := store.EnsureAgeIdentity(cfg.StateAgeIdentityPath); err != nil {
			return nil, err
		}
		ageSealer, err := store.LoadAgeSealer(cfg.StateAgeIdentityPath)
		if err != nil {
			return nil, err
		}
		sealer = ageSealer
	}
	if cfg.StateBackend == config.StateBackendSQLite {
		repo, err := store.OpenSQLite(cfg.DBPath, sealer)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := store.NewFileRepository(cfg.StatePath, sealer, log.Default())
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, repo store.JobRepository) (*Service, error) {
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	logger := log.Default()

	redactor := NewRedactor(nil)
	redactor.AddValues(cfg.AuthToken)
	redactor.AddEnv(cfg.TerraformEnv)

	fleet := &salt.Fleet{
		SaltPath:          cfg.SaltPath,
		SaltKeyPath:       cfg.SaltKeyPath,
		SaltRunPath:       cfg.SaltRunPath,
		Saltenv:           cfg.Saltenv,
		Runner:            shell.ExecRunner{},
		AcceptInterval:    cfg.AcceptInterval,
		ApplyInterval:     cfg.ApplyInterval,
		PingAttempts:      cfg.PingAttempts,
		PingBackoff:       cfg.PingBackoff,
		SkipPillarRefresh: cfg.SkipPillarRefresh,
		Logger:            logger,
	}
	infra := &terraform.Provisioner{
		Path:           cfg.TerraformPath,
		Dir:            cfg.TerraformDir,
		VarsDir:        cfg.TerraformVarsDir,
		Runner:         shell.ExecRunner{Env: cfg.TerraformEnvList()},
		CommandTimeout: cfg.TerraformCommandTimeout,
		Logger:         logger,
	}
	source := &catalog.Source{Dir: cfg.CatalogDir, Resolver: fleet, Logger: logger}

	var metrics *Metrics
	if cfg.MetricsListen != "" {
		metrics = NewMetrics()
	}
	orchestrator := NewOrchestrator(repo, source, infra, fleet, OrchestratorConfig{
		MaxMachines:   cfg.MaxMachines,
		AcceptTimeout: cfg.AcceptTimeout,
		ApplyTimeout:  cfg.ApplyTimeout,
		RecoveryPause: cfg.RecoveryPause,
	}, logger).WithMetrics(metrics).WithRedactor(redactor)

	mux := http.NewServeMux()
	NewControlAPI(orchestrator, source, logger).
		WithBuildThrottle(NewBuildThrottle(cfg.OrchestrateLimit, cfg.OrchestrateWindow)).
		Register(mux)
	var handler http.Handler = mux
	if cfg.AuthRequired() {
		auth, err := NewControlAuth(cfg.AuthToken, cfg.ControlAllowCIDRs)
		if err != nil {
			return nil, err
		}
		handler = auth.Wrap(mux)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	service := &Service{
		cfg:          cfg,
		repo:         repo,
		orchestrator: orchestrator,
		listener:     listener,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
	if metrics != nil {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// Addr returns the bound control address.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Serve recovers interrupted work and blocks until shutdown or a listener
// error occurs.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.orchestrator.Recover(ctx); err != nil {
		s.closeListeners()
		closeRepository(s.repo)
		return err
	}
	log.Printf("dcranged: listening on %s (auth %s)", s.Addr(), authState(s.cfg.AuthRequired()))

	errCh := make(chan error, 2)
	remaining := 1
	go func() { errCh <- s.server.Serve(s.listener) }()
	if s.metricsServer != nil {
		log.Printf("dcranged: metrics on %s", s.metricsListener.Addr())
		remaining++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	closeRepository(s.repo)
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if err := s.orchestrator.Shutdown(ctx); err != nil {
		log.Printf("dcranged: background work still running at exit: %v", err)
	}
}

func (s *Service) closeListeners() {
	_ = s.listener.Close()
	if s.metricsListener != nil {
		_ = s.metricsListener.Close()
	}
}

func closeRepository(repo store.JobRepository) {
	if closer, ok := repo.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("data_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func authState(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
