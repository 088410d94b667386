// Command server runs the realtime location and safety node: the engine loop, the WebSocket and
// metrics listener, the gRPC health listener and, when Kafka is configured, the cross-node bridge.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"waypoint/internal/audit"
	auditrepo "waypoint/internal/audit/repository"
	"waypoint/internal/bridge"
	"waypoint/internal/config"
	"waypoint/internal/db"
	"waypoint/internal/engine"
	healthhandler "waypoint/internal/health/handler"
	"waypoint/internal/logging"
	"waypoint/internal/metrics"
	policyengine "waypoint/internal/policy/engine"
	"waypoint/internal/security"
	"waypoint/internal/server"
	"waypoint/internal/store"
	"waypoint/internal/telemetry"
	"waypoint/internal/telemetry/otel"
	"waypoint/internal/telemetry/producer"
	"waypoint/internal/transport/ws"
)

const (
	serviceName     = "waypoint"
	shutdownTimeout = 10 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log = log.With(zap.String("node_id", cfg.NodeID))

	if cfg.JWTPublicKey == "" {
		return errors.New("JWT_PUBLIC_KEY is required to verify access tokens")
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return fmt.Errorf("JWT_PUBLIC_KEY: %w", err)
	}
	verifier := security.NewVerifier(pub, cfg.JWTIssuer, cfg.JWTAudience)

	var (
		st     store.Store
		pinger healthhandler.Pinger
		auditL audit.AuditLogger
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer closeDB(conn, log)
		st = store.NewPostgresStore(conn)
		pinger = conn
		auditL = audit.NewLogger(auditrepo.NewPostgresRepository(conn), logging.Named(log, "audit"))
	} else {
		log.Warn("DATABASE_URL not set; state is kept in memory only")
		st = store.NewMemory()
		auditL = audit.NewLogger(nil, logging.Named(log, "audit"))
	}

	policySrc, err := policyengine.LoadPolicy(cfg.ManagePolicyFile)
	if err != nil {
		return err
	}
	opa, err := policyengine.NewOPAEvaluator(ctx, policySrc, logging.Named(log, "policy"))
	if err != nil {
		return err
	}

	providers, err := otel.NewProviders(ctx, otel.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: version,
		NodeID:         cfg.NodeID,
		Environment:    cfg.Env,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		// Let in-flight async emits finish before the exporters go away.
		time.Sleep(telemetry.ShutdownDrainDuration)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, providers.Shutdown(sctx))
	}()

	brokers := cfg.KafkaBrokersList()
	kp := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
	defer func() { err = multierr.Append(err, kp.Close()) }()
	emitter := telemetry.Multi{otel.NewEventEmitter(providers.LoggerProvider)}
	if kp != nil {
		emitter = append(emitter, kp)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	br := bridge.New(brokers, cfg.BridgeKafkaTopic, cfg.NodeID, logging.Named(log, "bridge"), m)
	defer func() { err = multierr.Append(err, br.Close()) }()

	hub := ws.NewHub(logging.Named(log, "ws"))
	eng, err := engine.New(engine.SettingsFromConfig(cfg), engine.Deps{
		Store:     st,
		Transport: hub,
		Bridge:    br,
		Policy:    opa,
		Audit:     auditL,
		Telemetry: emitter,
		Metrics:   m,
		Log:       logging.Named(log, "engine"),
	})
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return err
	}

	health := healthhandler.NewServer(eng.Ready, pinger, opa)
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.HTTPDeps{
			Base:     ctx,
			Hub:      hub,
			Engine:   eng,
			Verifier: verifier,
			Health:   health,
			Gatherer: reg,
			Service:  serviceName,
			Log:      logging.Named(log, "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(health, logging.Named(log, "grpc"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return br.Run(gctx, eng.RemoteSink()) })
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		err := httpSrv.Shutdown(sctx)
		hub.CloseAll()
		return err
	})
	return g.Wait()
}

func closeDB(conn *sql.DB, log *zap.Logger) {
	if err := conn.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
