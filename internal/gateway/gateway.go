// ABOUTME: Gateway orchestrator that builds every component and supervises the HTTP server,
// ABOUTME: idle session sweeper and mail poller until the context is canceled

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jordydydy/semaphore-remove/internal/auth"
	"github.com/jordydydy/semaphore-remove/internal/backend"
	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/config"
	"github.com/jordydydy/semaphore-remove/internal/conversation"
	"github.com/jordydydy/semaphore-remove/internal/dedupe"
	"github.com/jordydydy/semaphore-remove/internal/events"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/mailpoll"
	"github.com/jordydydy/semaphore-remove/internal/metrics"
	"github.com/jordydydy/semaphore-remove/internal/msgraph"
	"github.com/jordydydy/semaphore-remove/internal/outbound"
	"github.com/jordydydy/semaphore-remove/internal/store"
	"github.com/jordydydy/semaphore-remove/internal/sweeper"
)

// Gateway owns the orchestrator's components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	pipeline *Pipeline
	logger   *slog.Logger

	// dedupe is the fast path in front of the durable ledger
	dedupe *dedupe.Cache

	backend  *backend.Client
	emitter  *events.Emitter
	sweeper  *sweeper.Sweeper
	poller   mailpoll.Poller
	verifier auth.TokenVerifier

	registry   *prometheus.Registry
	httpServer *http.Server

	// inflight tracks pipeline runs started by webhooks and the process API
	inflight sync.WaitGroup
}

// openStore creates the directory/ledger backend named by cfg.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = store.NewPostgresStore(ctx, cfg.DSN)
	default:
		s, err = store.NewSQLiteStore(cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildSenders registers a sender for every enabled channel. The Graph client
// is returned so the mail poller can share its token cache.
func buildSenders(cfg *config.Config, logger *slog.Logger) (*outbound.Registry, *msgraph.Client, error) {
	reg := outbound.NewRegistry()

	if cfg.WhatsApp.Enabled {
		reg.Register(channel.WhatsApp, outbound.NewWhatsApp(outbound.WhatsAppConfig{
			BaseURL:       cfg.WhatsApp.BaseURL,
			APIVersion:    cfg.WhatsApp.APIVersion,
			PhoneNumberID: cfg.WhatsApp.AccountID,
			AccessToken:   cfg.WhatsApp.AccessToken,
		}, logger))
	}
	if cfg.Instagram.Enabled {
		reg.Register(channel.Instagram, outbound.NewInstagram(outbound.InstagramConfig{
			BaseURL:     cfg.Instagram.BaseURL,
			APIVersion:  cfg.Instagram.APIVersion,
			AccountID:   cfg.Instagram.AccountID,
			AccessToken: cfg.Instagram.AccessToken,
		}, logger))
	}

	var graph *msgraph.Client
	switch cfg.Email.Provider {
	case "graph":
		g := cfg.Email.Graph
		tokens, err := msgraph.NewTokenCache(msgraph.Credentials{
			TenantID:     g.TenantID,
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
		}, 0, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("graph token cache: %w", err)
		}
		graph = msgraph.NewClient(g.BaseURL, g.Mailbox, tokens, nil)
		reg.Register(channel.Email, outbound.NewEmail(outbound.NewGraphTransport(graph), logger))
	case "imap":
		s := cfg.Email.SMTP
		reg.Register(channel.Email, outbound.NewEmail(outbound.NewSMTPTransport(outbound.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			From:     s.From,
		}), logger))
	}
	return reg, graph, nil
}

// buildPoller creates the inbound mail poller for the configured provider.
func buildPoller(cfg *config.Config, graph *msgraph.Client, handle mailpoll.Handler, logger *slog.Logger) mailpoll.Poller {
	switch cfg.Email.Provider {
	case "graph":
		return mailpoll.NewGraphPoller(graph, handle, cfg.Email.BatchSize, logger)
	case "imap":
		c := cfg.Email.IMAP
		return mailpoll.NewIMAPPoller(mailpoll.IMAPConfig{
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			Mailbox:  c.Mailbox,
			TLS:      c.UseTLS(),
		}, handle, cfg.Email.BatchSize, logger)
	}
	return nil
}

// New builds every component from cfg. The caller must Run or Close the result.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    st,
		logger:   logger.With("component", "gateway"),
		registry: prometheus.NewRegistry(),
	}
	m := metrics.MustNewMetrics(gw.registry)

	senders, graph, err := buildSenders(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	} else {
		gw.logger.Warn("auth.jwt_secret not set, /api routes are unauthenticated")
	}

	loc, err := cfg.Sweeper.Location()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("sweeper timezone: %w", err)
	}

	// Nothing below may fail: the broker connection and the cache janitor
	// are only released by Close.
	var pub events.Publisher
	if cfg.Events.Enabled {
		amqpPub, err := events.NewAMQPPublisher(ctx, events.DialOptions{URL: cfg.Events.URL, Attempts: 5}, cfg.Events.Exchange, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connecting event publisher: %w", err)
		}
		pub = amqpPub
	}
	gw.emitter = events.NewEmitter(pub, cfg.Events.Producer, logger)

	gw.dedupe = dedupe.New(cfg.Dedupe.CacheTTL, cfg.Dedupe.CacheSize)
	gw.backend = backend.New(backend.Config{
		AskURL:          cfg.Backend.AskURL,
		FeedbackURL:     cfg.Backend.FeedbackURL(),
		APIKey:          cfg.Backend.APIKey,
		CoreAPIKey:      cfg.Backend.CoreAPIKey,
		AskTimeout:      cfg.Backend.AskTimeout,
		FeedbackTimeout: cfg.Backend.FeedbackTimeout,
	}, logger, backend.WithObserver(m))

	gw.pipeline = NewPipeline(PipelineDeps{
		Ledger:    dedupe.NewLedger(st, gw.dedupe, logger, dedupe.WithObserver(m)),
		Resolver:  conversation.New(st, logger, conversation.WithObserver(m)),
		Directory: st,
		Backend:   gw.backend,
		Senders:   senders,
		Events:    gw.emitter,
		Metrics:   m,
	}, logger)

	gw.sweeper = sweeper.New(sweeper.Config{
		Interval:     cfg.Sweeper.Interval,
		InitialDelay: cfg.Sweeper.InitialDelay,
		IdleAfter:    cfg.Sweeper.IdleAfter,
		BatchSize:    cfg.Sweeper.BatchSize,
		Pace:         cfg.Sweeper.Pace,
		Location:     loc,
	}, st, gw.pipeline, gw.pipeline, logger,
		sweeper.WithObserver(m),
		sweeper.WithClosedHook(gw.pipeline.SessionClosed))

	gw.poller = buildPoller(cfg, graph, gw.handleMail, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"channels", senders.Channels(),
		"database", cfg.Database.Driver,
		"email_provider", cfg.Email.Provider,
		"events", cfg.Events.Enabled)
	return gw, nil
}

// handleMail runs a polled email through the pipeline synchronously so the
// poller marks it read only after it has been handled.
func (g *Gateway) handleMail(ctx context.Context, ev *inbound.Event) error {
	_, err := g.pipeline.HandleInbound(ctx, ev)
	return err
}

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled && g.registry != nil {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler(g.registry))
	}

	if g.config.WhatsApp.Enabled {
		g.registerWebhook(mux, "/whatsapp/webhook", webhook{
			channel:     channel.WhatsApp,
			verifyToken: g.config.WhatsApp.VerifyToken,
			appSecret:   g.config.WhatsApp.AppSecret,
			ownID:       g.config.WhatsApp.AccountID,
			parse:       inbound.ParseWhatsApp,
		})
	}
	if g.config.Instagram.Enabled {
		g.registerWebhook(mux, "/instagram/webhook", webhook{
			channel:     channel.Instagram,
			verifyToken: g.config.Instagram.VerifyToken,
			appSecret:   g.config.Instagram.AppSecret,
			ownID:       g.config.Instagram.AccountID,
			parse:       inbound.ParseInstagram,
		})
	}

	api := func(h http.HandlerFunc, roles ...string) http.Handler {
		if g.verifier == nil {
			return h
		}
		return auth.HTTPAuthMiddleware(g.verifier)(auth.RequireRole(roles...)(h))
	}
	mux.Handle("POST /api/messages/process", api(g.handleProcessMessage, auth.RoleOperator, auth.RoleBackend))
	mux.Handle("POST /api/messages/reply", api(g.handleReply, auth.RoleBackend))
	mux.Handle("GET /api/sessions/{id}", api(g.handleGetSession, auth.RoleOperator))
	mux.Handle("POST /api/sessions/{id}/close", api(g.handleCloseSession, auth.RoleOperator))
	mux.Handle("POST /api/sessions/{id}/helpdesk", api(g.handleSetHelpdesk, auth.RoleOperator))

	return mux
}

func (g *Gateway) registerWebhook(mux *http.ServeMux, path string, wh webhook) {
	mux.HandleFunc("GET "+path, g.handleVerify(wh))
	mux.HandleFunc("POST "+path, g.handleWebhook(wh))
}

// Run serves HTTP and runs the sweeper and mail poller until ctx is canceled
// or one of them fails. Resources are released before returning.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.Close()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Server.ShutdownTimeout)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	if g.config.Sweeper.Disabled {
		g.logger.Info("idle session sweeper disabled")
	} else {
		group.Go(func() error { return g.sweeper.Run(gctx) })
	}
	if g.poller != nil {
		group.Go(func() error {
			return mailpoll.Run(gctx, g.poller, g.config.Email.PollInterval, g.logger)
		})
	}

	runErr := group.Wait()
	g.logger.Info("shutting down gateway")
	closeErr := g.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// SweepOnce runs one sweep pass outside the schedule.
func (g *Gateway) SweepOnce(ctx context.Context) (sweeper.Result, error) {
	return g.sweeper.SweepOnce(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Close waits for in-flight work and releases resources.
func (g *Gateway) Close() error {
	g.inflight.Wait()
	if g.backend != nil {
		g.backend.Wait()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}

	var errs []error
	if g.emitter != nil {
		errs = appendCloseError(errs, "event publisher close", g.emitter.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
