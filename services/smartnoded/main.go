package smartnoded

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"smartwallet/config"
	"smartwallet/crypto"
	"smartwallet/network"
	"smartwallet/observability"
	"smartwallet/observability/logging"
	telemetry "smartwallet/observability/otel"
	"smartwallet/smartnode"
	"smartwallet/storage"
	"smartwallet/wallet"
)

// Main initialises and runs the smartnode daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "smartwallet.toml", "path to the smartwallet configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("smartnoded", cfg.Telemetry.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.Telemetry.LogLevel),
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "smartnoded",
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	params := cfg.NetParams()
	keys, err := crypto.NewKeyRing(cfg.KeystoreDir, db, params)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}

	dialOpts, err := network.BuildClientSecurity(cfg.Security(), filepath.Dir(cfgPath), nil)
	if err != nil {
		return fmt.Errorf("server security: %w", err)
	}
	client := network.NewClient(cfg.ServerURL,
		network.WithLogger(logger),
		network.WithDialOptions(dialOpts),
		network.WithWriteTimeout(cfg.ServerWriteTimeout.Duration),
	)
	defer client.Close()

	w, err := wallet.New(client, db, keys, params, wallet.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}

	manager, err := smartnode.NewManager(cfg.SmartnodeConfig(), db, smartnode.Deps{
		Keys:      keys,
		Signer:    w,
		Coins:     w,
		TxIndex:   w,
		Chain:     w,
		Transport: client,
	},
		smartnode.WithLogger(logger),
		smartnode.WithMetrics(observability.Smartnode()),
		smartnode.WithTracer(otel.Tracer("smartwallet/smartnoded")),
	)
	if err != nil {
		return fmt.Errorf("init smartnode manager: %w", err)
	}

	service, err := NewService(manager, w, client, keys,
		WithLogger(logger),
		WithPollInterval(cfg.PollInterval.Duration),
	)
	if err != nil {
		return err
	}
	auth, err := NewAuthenticator(cfg.AdminToken)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           NewAdminServer(service, auth),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Announce waits up to BroadcastTimeout for the relay.
		WriteTimeout: cfg.SmartnodeConfig().BroadcastTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("smartnoded admin listening", slog.String("address", cfg.AdminAddress))
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- service.Run(stopCtx)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
