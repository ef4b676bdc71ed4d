// ABOUTME: Gateway orchestrator that coordinates the gRPC health and HTTP servers
// ABOUTME: Wires store, vault, registry, adapters, ingester, events and template sync together

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/compat"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/facade"
	"github.com/2389/wa-gateway/internal/ingest"
	"github.com/2389/wa-gateway/internal/provider"
	"github.com/2389/wa-gateway/internal/provider/bsp"
	"github.com/2389/wa-gateway/internal/provider/cloud"
	"github.com/2389/wa-gateway/internal/provider/local"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/templates"
	"github.com/2389/wa-gateway/internal/vault"
	"github.com/2389/wa-gateway/internal/websession"
	"github.com/2389/wa-gateway/internal/window"
)

const defaultExchange = "wa-gateway.events"

// sessionOpener starts a local session for a line.
type sessionOpener func(ctx context.Context, key websession.Key, handler websession.Handler) (websession.Session, error)

// Gateway orchestrates the wa-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	lines     *registry.Registry
	windows   *window.Tracker
	facades   *facade.Factory
	ingester  *ingest.Ingester
	sessions  *websession.Registry
	cloud     *cloud.Adapter
	syncer    *templates.Syncer
	scheduler *templates.Scheduler

	broadcaster *events.Broadcaster
	amqp        *events.AMQPPublisher
	publisher   events.Publisher

	// verifier is nil when no jwt_secret is configured (anonymous mode)
	verifier *auth.JWTVerifier

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	openSession sessionOpener

	// webhooks tracks detached webhook processing so shutdown can wait for it
	webhooks sync.WaitGroup
}

// initStore opens the SQLite store named by config or WA_GATEWAY_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WA_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(dbPath, store.Options{
		Driver:       cfg.Database.Driver,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPublisher builds the event fan-out: the in-memory broadcaster always,
// RabbitMQ when a URL is configured.
func initPublisher(cfg config.EventsConfig, logger *slog.Logger) (*events.Broadcaster, *events.AMQPPublisher, events.Publisher, error) {
	broadcaster := events.NewBroadcaster(logger)
	if cfg.AMQP.URL == "" {
		return broadcaster, nil, events.NewMulti(logger, broadcaster), nil
	}

	exchange := cfg.AMQP.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}
	amqpPub, err := events.DialAMQP(cfg.AMQP.URL, exchange, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return broadcaster, amqpPub, events.NewMulti(logger, broadcaster, amqpPub), nil
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	broadcaster, amqpPub, publisher, err := initPublisher(cfg.Events, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	lines := registry.New(s, v, logger)
	tracker := window.NewTracker(s, logger)
	sessions := websession.NewRegistry(logger)

	bspAdapter := bsp.NewAdapter(cfg.BSP.BaseURL, nil, logger)
	cloudAdapter := cloud.NewAdapter(cloud.Config{
		GraphURL:   cfg.Cloud.GraphURL,
		APIVersion: cfg.Cloud.APIVersion,
		AppID:      cfg.Cloud.AppID,
		AppSecret:  cfg.Cloud.AppSecret,
	}, logger)
	localAdapter := local.NewAdapter(sessions, logger)

	facades := facade.NewFactory(facade.Config{
		Lines:     lines,
		Windows:   tracker,
		Events:    s,
		Publisher: publisher,
		Markdown:  cfg.Messaging.Markdown,
	}, logger,
		provider.EnforceWindow(bspAdapter, tracker, logger),
		provider.EnforceWindow(cloudAdapter, tracker, logger),
		localAdapter,
	)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		lines:       lines,
		windows:     tracker,
		facades:     facades,
		sessions:    sessions,
		cloud:       cloudAdapter,
		broadcaster: broadcaster,
		amqp:        amqpPub,
		publisher:   publisher,
		health:      health.NewServer(),
		grpcServer:  createGRPCServer(),
	}

	deps := ingest.Deps{
		Store:     s,
		Lines:     lines,
		Sessions:  tracker,
		Publisher: publisher,
		Compat:    compat.Deps{Gateway: facades.Gateway, Contacts: s},
		Handler:   gw.logInbound,
	}
	if cfg.BSP.PartnerID != "" {
		deps.Hub = bsp.NewHubClient(cfg.BSP.HubURL, cfg.BSP.PartnerID, cfg.BSP.PartnerToken, nil)
	} else {
		gw.logger.Warn("bsp.partner_id not set - channels going live will not receive relay keys")
	}
	gw.ingester = ingest.New(deps, logger)
	gw.openSession = gw.openBrowserSession

	gw.syncer = templates.NewSyncer(lines, s, map[store.ProviderType]provider.TemplateLister{
		store.ProviderBSP:   bspAdapter,
		store.ProviderCloud: cloudAdapter,
	}, logger)
	if cfg.Templates.SyncSchedule != "" {
		gw.scheduler, err = templates.NewScheduler(gw.syncer, cfg.Templates.SyncSchedule, logger)
		if err != nil {
			gw.closeComponents()
			return nil, err
		}
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	registerHealth(gw.grpcServer, gw.health)
	lines.OnStatusChange(gw.onLineStatus)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving webhooks and the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// logInbound is the compatibility handler for new live inbound messages.
// Reply decisions belong to downstream consumers of the event stream.
func (g *Gateway) logInbound(_ context.Context, msg compat.Message) {
	g.logger.Debug("inbound message",
		"message_id", msg.ID(),
		"from", msg.From(),
		"type", msg.Type(),
		"has_media", msg.HasMedia())
}

func (g *Gateway) openBrowserSession(ctx context.Context, key websession.Key, handler websession.Handler) (websession.Session, error) {
	sess, err := websession.Open(ctx, key, websession.Config{
		RemoteURL:   g.config.Local.RemoteURL,
		Headless:    g.config.Local.Headless,
		UserDataDir: g.config.Local.UserDataDir,
		Logger:      g.logger,
	}, handler)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
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

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.seedLineHealth(ctx)

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.scheduler != nil {
		g.scheduler.Start()
	}
	g.resumeLocalSessions(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "wa-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
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

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
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
	if g.config.Tailscale.Funnel && dnsName != "" {
		g.logger.Info("vendor webhook base url", "url", "https://"+trimDot(dnsName)+"/webhooks")
	}
}

func trimDot(s string) string {
	if n := len(s); n > 0 && s[n-1] == '.' {
		return s[:n-1]
	}
	return s
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
// Vendors can only reach the webhooks through Funnel.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		g.logger.Warn("tailscale funnel disabled - vendor webhooks cannot reach this gateway")
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// waitForWebhooks blocks until detached webhook processing finishes or ctx ends.
func (g *Gateway) waitForWebhooks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.webhooks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook processing still running: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents closes local sessions, publishers and the store.
func (g *Gateway) closeComponents() []error {
	var errs []error
	g.sessions.CloseAll()
	if g.amqp != nil {
		errs = appendCloseError(errs, "amqp close", g.amqp.Close())
	}
	g.broadcaster.Close()
	return appendCloseError(errs, "store close", g.store.Close())
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "webhook drain", g.waitForWebhooks(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.scheduler != nil {
		g.scheduler.Stop(ctx)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one line is ready to send.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	all, err := g.lines.List(r.Context())
	if err != nil {
		g.logger.Error("listing lines for readiness", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	ready := 0
	for _, l := range all {
		if l.Status == store.LineStatusReady {
			ready++
		}
	}
	if ready == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no lines ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d of %d lines)", ready, len(all))
}
