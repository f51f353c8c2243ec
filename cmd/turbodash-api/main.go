package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/turbodash/backend/pkg/aggregate"
	"github.com/turbodash/backend/pkg/attest"
	"github.com/turbodash/backend/pkg/logger"
	"github.com/turbodash/backend/pkg/metrics"
	"github.com/turbodash/backend/pkg/price"
	"github.com/turbodash/backend/pkg/program"
	"github.com/turbodash/backend/pkg/server"
	"github.com/turbodash/backend/pkg/txbuilder"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
	defaultRPCEndpoint = rpc.DevNet_RPC
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	rpcEndpointFlag := flag.String("rpc-endpoint", defaultRPCEndpoint, "Solana RPC endpoint")
	programIDFlag := flag.String("program-id", "", "Contest program id (defaults to the deployed program)")
	keypairFlag := flag.String("server-keypair", "", "Path to the attestation keypair JSON file")
	originsFlag := flag.String("allowed-origins", "", "Comma-separated CORS origins (empty allows any)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "Maximum time to wait for graceful shutdown")

	flag.Parse()

	// .env is optional; environment variables override flags for the
	// values that carry secrets.
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Info: no .env file found")
	}

	log := logger.New(*verboseFlag)

	rpcEndpoint := envOr("RPC_ENDPOINT", *rpcEndpointFlag)
	keypairPath := envOr("SERVER_KEYPAIR", *keypairFlag)
	if keypairPath == "" {
		return fmt.Errorf("server keypair is required (-server-keypair or SERVER_KEYPAIR)")
	}

	programID := program.DefaultProgramID
	if raw := envOr("PROGRAM_ID", *programIDFlag); raw != "" {
		parsed, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return fmt.Errorf("invalid program id %q: %w", raw, err)
		}
		programID = parsed
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: envOr("SENTRY_ENVIRONMENT", "development"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rpcClient := rpc.New(rpcEndpoint)
	log.Info("solana rpc client initialized", "endpoint", rpcEndpoint, "programID", programID.String())

	signer, err := attest.NewSigner(&attest.Config{
		Logger:      log,
		KeypairPath: keypairPath,
	})
	if err != nil {
		return fmt.Errorf("create attestation signer: %w", err)
	}
	log.Info("attestation signer ready", "publicKey", signer.PublicKey().String())

	converter, err := price.NewConverter(&price.Config{
		Logger: log,
		APIKey: os.Getenv("COINGECKO_API_KEY"),
	})
	if err != nil {
		return fmt.Errorf("create price converter: %w", err)
	}

	builder, err := txbuilder.New(&txbuilder.Config{
		Logger:    log,
		RPC:       rpcClient,
		Signer:    signer,
		Price:     converter,
		ProgramID: programID,
	})
	if err != nil {
		return fmt.Errorf("create transaction builder: %w", err)
	}

	cache, err := aggregate.NewCache(&aggregate.Config{
		Logger:    log,
		RPC:       rpcClient,
		ProgramID: programID,
	})
	if err != nil {
		return fmt.Errorf("create aggregate cache: %w", err)
	}

	var ready atomic.Bool
	go func() {
		if err := cache.Warm(ctx); err != nil {
			log.Warn("cache warmup failed, serving cold", "error", err)
		}
		ready.Store(true)
	}()

	srv, err := server.New(&server.Config{
		Logger:          log,
		Builder:         builder,
		Cache:           cache,
		ListenAddr:      *listenAddrFlag,
		AllowedOrigins:  splitOrigins(*originsFlag),
		ShutdownTimeout: *shutdownTimeoutFlag,
		Ready:           ready.Load,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
