// ABOUTME: Gateway orchestrator that wires the store, lock service, correlator and background jobs
// ABOUTME: Runs the HTTP hook server, the optional gRPC health server and the scheduler until shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/headspace/internal/auth"
	"github.com/2389/headspace/internal/background"
	"github.com/2389/headspace/internal/config"
	"github.com/2389/headspace/internal/correlate"
	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
	"github.com/2389/headspace/internal/summary"
	"github.com/2389/headspace/internal/tmux"
)

// readinessInterval is how often the gRPC health status follows the store.
const readinessInterval = 10 * time.Second

// Gateway orchestrates the headspace server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	locks       *lock.Service
	correlator  *correlate.Correlator
	bridge      *lifecycle.Bridge
	broadcaster *events.Broadcaster
	summaries   *summary.Pool
	scheduler   *background.Scheduler
	verifier    auth.TokenVerifier
	logger      *slog.Logger

	hookTimeout time.Duration

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server
}

// components are the collaborators a Gateway is assembled from.
type components struct {
	store    store.Store
	dialer   lock.Dialer
	verifier auth.TokenVerifier
	inspect  tmux.Inspector
}

// openStore opens the configured database and the matching lock dialer.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, lock.Dialer, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("HEADSPACE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.OpenSQLite(ctx, dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing store: %w", err)
		}
		dialer, err := lock.NewSQLiteDialer(ctx, s.DB(), cfg.Locks.StaleAfter)
		if err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("initializing lock table: %w", err)
		}
		return s, dialer, nil
	default:
		s, err := store.OpenPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing store: %w", err)
		}
		dialer, err := lock.NewPostgresDialer(cfg.Database.DSN)
		if err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, dialer, nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, dialer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth enabled for /api endpoints")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return newGateway(cfg, components{
		store:    s,
		dialer:   dialer,
		verifier: verifier,
		inspect:  tmux.NewClient(5 * time.Second),
	}, logger), nil
}

func newGateway(cfg *config.Config, c components, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	locks := lock.NewService(c.dialer, cfg.Locks.MaxWaiters, logger)
	correlator := correlate.New(c.store, cfg.Correlation.CacheTTL, cfg.Correlation.CacheSize, logger)
	broadcaster := events.NewBroadcaster(logger)

	gw := &Gateway{
		config:      cfg,
		store:       c.store,
		locks:       locks,
		correlator:  correlator,
		bridge:      lifecycle.NewBridge(logger),
		broadcaster: broadcaster,
		summaries:   summary.NewPool(c.store, summary.Extractive{}, broadcaster, cfg.Summary.Workers, cfg.Summary.QueueSize, logger),
		scheduler:   background.NewScheduler(locks, logger),
		verifier:    c.verifier,
		logger:      logger.With("component", "gateway"),
		hookTimeout: cfg.Locks.HookTimeout,
	}
	gw.registerJobs(c.inspect, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE handlers return once their subscription channel closes
	gw.httpServer.RegisterOnShutdown(broadcaster.Close)

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		gw.healthServer = health.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.healthServer)
	}
	return gw
}

// registerJobs adds the enabled background contenders to the scheduler.
func (g *Gateway) registerJobs(inspector tmux.Inspector, logger *slog.Logger) {
	cfg := g.config
	deps := background.Deps{
		Store:  g.store,
		Locks:  g.locks,
		Events: g.broadcaster,
		Cache:  g.correlator,
		Logger: logger,
	}

	if cfg.Reaper.Enabled {
		g.scheduler.Add(background.NewReaper(deps, cfg.Reaper.Interval, cfg.Reaper.InactivityTimeout))
	}
	if cfg.Reconciler.Enabled || cfg.Reconciler.Watch {
		rec := background.NewReconciler(deps, cfg.Reconciler.Interval)
		if cfg.Reconciler.Enabled {
			g.scheduler.Add(rec)
		}
		if cfg.Reconciler.Watch {
			g.scheduler.Go(background.NewTranscriptWatcher(deps, rec, cfg.Reconciler.Interval, 0))
		}
	}
	if inspector == nil {
		return
	}
	if cfg.Poller.Enabled {
		g.scheduler.Add(background.NewContextPoller(deps, inspector, cfg.Poller.Interval))
	}
	if cfg.Watchdog.Enabled {
		g.scheduler.Add(background.NewWatchdog(deps, inspector, cfg.Watchdog.Interval))
	}
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and background jobs and blocks until ctx is
// cancelled or one of them fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.summaries.Start()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			g.trackReadiness(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		return g.scheduler.Run(egCtx)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// trackReadiness mirrors store reachability into the gRPC health service.
func (g *Gateway) trackReadiness(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		g.setServingStatus(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) setServingStatus(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.healthServer.SetServingStatus("", status)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "headspace", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, drains queued summaries and releases resources.
// Hooks in flight finish and release their locks before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.summaries.Close()
	g.broadcaster.Close()
	g.correlator.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
