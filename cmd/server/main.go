package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"sessionguard/internal/activity"
	"sessionguard/internal/audit"
	"sessionguard/internal/authn"
	"sessionguard/internal/cleanup"
	"sessionguard/internal/config"
	healthhandler "sessionguard/internal/health/handler"
	"sessionguard/internal/identity/service"
	"sessionguard/internal/logging"
	"sessionguard/internal/monitor"
	"sessionguard/internal/ratelimit"
	"sessionguard/internal/security"
	"sessionguard/internal/server"
	"sessionguard/internal/server/httpapi"
	"sessionguard/internal/telemetry"
	otelsetup "sessionguard/internal/telemetry/otel"
	"sessionguard/internal/telemetry/producer"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "production").Fatal().Err(err).Msg("config")
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	providers, err := otelsetup.NewProviders(ctx, cfg.OTelEndpoint, "sessionguard", cfg.OTelInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	tokens, err := security.NewProviderFromSettings(security.ProviderSettings{
		Alg:           cfg.JWTSigningAlg,
		Secret:        cfg.JWTSecret,
		PrivateKeyPEM: cfg.JWTPrivateKey,
		PublicKeyPEM:  cfg.JWTPublicKey,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	})
	if err != nil {
		return err
	}

	emitters := []telemetry.EventEmitter{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	if p := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); p != nil {
		defer p.Close()
		emitters = append(emitters, p)
		log.Info().Str("topic", cfg.TelemetryKafkaTopic).Msg("kafka telemetry enabled")
	}
	emitter := telemetry.Multi(emitters...)

	auditLogger := audit.NewLogger(b.audit, authn.ClientIPFromContext, log, audit.WithWriteTimeout(cfg.StoreTimeout()))
	svc := service.NewAuthService(b.users, b.identities, b.sessions, security.NewHasher(cfg.BcryptCost), tokens, cfg.SessionTTL(),
		service.WithAuditLogger(auditLogger),
		service.WithLogger(log),
	)

	limiter, err := ratelimit.New(b.counter, cfg.RateLimitMax, cfg.RateLimitWindow(), time.Now)
	if err != nil {
		return err
	}
	loginLimiter, err := ratelimit.New(b.counter, cfg.LoginRateLimitMax, cfg.RateLimitWindow(), time.Now)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	validator, err := authn.NewValidator(authn.Deps{
		Tokens:   tokens,
		Sessions: b.sessions,
		Rotator:  svc,
		Limiter:  limiter,
		Monitor:  monitor.New(cfg.RapidRequestThreshold()),
		Tracker: activity.NewTracker(b.sessions, log, cfg.SlowRequestThreshold(),
			activity.WithEmitter(emitter),
			activity.WithTimeout(cfg.StoreTimeout()),
		),
		Cleanup: cleanup.New(cfg.CleanupInterval(), log, b.sweepers...),
		Audit:   auditLogger,
		Emitter: emitter,
		Metrics: authn.NewMetrics(reg),
		Logger:  log,
	}, authn.Options{
		AutoRefresh:         cfg.AutoRefresh,
		RefreshThreshold:    cfg.RefreshThreshold(),
		TrackActivity:       cfg.TrackActivity,
		RequireValidSession: cfg.RequireValidSession,
		RateLimitFailOpen:   cfg.RateLimitFailOpen,
		StoreTimeout:        cfg.StoreTimeout(),
	})
	if err != nil {
		return err
	}
	health := healthhandler.NewServer(b.checks...)

	api := httpapi.NewServer(httpapi.Deps{
		Validator:    validator,
		Auth:         svc,
		LoginLimiter: loginLimiter,
		Health:       health,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Credentials: httpapi.CredentialConfig{
			AccessCookie:  cfg.AccessCookieName,
			RefreshCookie: cfg.RefreshCookieName,
			AccessHeader:  cfg.AccessHeaderName,
			RefreshHeader: cfg.RefreshHeaderName,
			AllowQuery:    cfg.AllowQueryToken,
			TrustProxy:    cfg.TrustProxy,
			SecureCookies: cfg.Env == "production",
		},
		Logger: log,
	})
	hs := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gs = server.NewGRPCServer(server.Deps{
			Validator:  validator,
			Health:     health,
			Emitter:    emitter,
			TrustProxy: cfg.TrustProxy,
			Logger:     log,
		})
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
			if err := gs.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
		log.Error().Err(err).Msg("server failed; shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := hs.Shutdown(sctx); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	if gs != nil {
		gs.GracefulStop()
	}
	validator.Wait()
	if !telemetry.Drain(telemetry.ShutdownDrainDuration) {
		log.Warn().Msg("telemetry emits still in flight at shutdown")
	}
	log.Info().Msg("stopped")
	return err
}
