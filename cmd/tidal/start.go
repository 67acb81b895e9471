package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/config"
	"github.com/ArkLabsHQ/tidal/internal/core/application"
	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/db"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/esplora"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/evm"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/intermediary"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/oracle"
	scheduler "github.com/ArkLabsHQ/tidal/internal/infrastructure/scheduler/gocron"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/telemetry"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	lpTimeout       = 30 * time.Second
	nativeDecimals  = 18
	shutdownTimeout = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the swap engine",
	Long: `Start the swap engine: pending swaps are resumed, chain events are
followed and refunds or claims are driven until the process is stopped.

Metrics are served on TIDAL_METRICS_PORT when set.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " Starting tidal..."
	s.Start()
	swapper, repo, err := newSwapper(ctx, cfg)
	if err == nil {
		err = swapper.Start(ctx)
	}
	s.Stop()
	if err != nil {
		if repo != nil {
			repo.Close()
		}
		return err
	}
	defer repo.Close()

	log.Infof(
		"tidal %s started on %s (%s), network %s",
		version, color.CyanString(cfg.ChainIdentifier()), cfg.EvmEscrowContract, cfg.Network,
	)

	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 {
		metricsSrv = serveMetrics(swapper, cfg.MetricsPort)
	}

	<-ctx.Done()

	log.Info("shutting down tidal...")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to stop metrics server")
		}
	}
	swapper.Stop()
	return nil
}

func initTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.OtelCollectorURL == "" {
		return func() {}, nil
	}

	log.AddHook(telemetry.NewOTelHook(log.Level(cfg.LogLevel)))
	otelShutdown, err := telemetry.InitOtelSDK(ctx, cfg.OtelCollectorURL, cfg.OtelPushDuration())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otel sdk: %s", err)
	}

	pyroscopeShutdown, err := telemetry.InitPyroscope(cfg.PyroscopeServerURL, cfg.Network)
	if err != nil {
		otelShutdown()
		return nil, fmt.Errorf("failed to initialize pyroscope: %s", err)
	}

	return func() {
		if pyroscopeShutdown != nil {
			pyroscopeShutdown()
		}
		otelShutdown()
	}, nil
}

func newSwapper(ctx context.Context, cfg *config.Config) (*application.Swapper, ports.RepoManager, error) {
	evmCfg := evmConfig(cfg)

	backend, err := evm.Dial(ctx, cfg.EvmRpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to evm node: %s", err)
	}
	chain, err := evm.NewChain(backend, evmCfg)
	if err != nil {
		return nil, nil, err
	}
	events, err := evm.NewEvents(backend, evmCfg)
	if err != nil {
		return nil, nil, err
	}
	var vaults ports.SpvVaultContract
	if cfg.EvmSpvContract != "" {
		if vaults, err = evm.NewSpvVaults(backend, evmCfg, cfg.NetworkParams()); err != nil {
			return nil, nil, err
		}
	}
	signer, err := evm.SignerFromMnemonic(cfg.Mnemonic, cfg.MnemonicPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid mnemonic: %s", err)
	}
	log.Infof("smart chain signer %s", signer.Address())

	repo, err := openRepo(cfg, map[string]domain.EscrowDecoder{chain.ChainID(): chain.DecodeEscrow})
	if err != nil {
		return nil, nil, err
	}

	priceOracle, err := oracle.NewService(oracle.Config{
		URL: cfg.PriceApiURL,
		TTL: cfg.PriceCacheDuration(),
		Decimals: map[string]map[string]int{
			chain.ChainID(): {chain.NativeToken(): nativeDecimals},
		},
	})
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	lpClient := intermediary.NewClient(intermediary.ClientOptions{
		Timeout:   lpTimeout,
		RateLimit: cfg.LpRateLimit,
	})

	swapper, err := application.NewSwapper(buildInfo(), application.SwapperConfig{
		Chains: []application.ChainConfig{{
			Chain:     chain,
			Events:    events,
			Signer:    signer,
			SpvVaults: vaults,
		}},
		Intermediary:            lpClient,
		Intermediaries:          intermediary.NewRegistry(lpClient, cfg.IntermediaryURLs()),
		Oracle:                  priceOracle,
		MaxPriceDifferencePPM:   cfg.MaxPriceDifferencePPM,
		Bitcoin:                 esplora.NewService(cfg.EsploraURL),
		Network:                 cfg.NetworkParams(),
		Repo:                    repo.Swaps(),
		Scheduler:               scheduler.NewScheduler(),
		Options:                 cfg.SwapOptions(),
		TickInterval:            cfg.TickDuration(),
		RegistryRefreshInterval: cfg.RegistryRefreshDuration(),
		SyncInterval:            cfg.SyncDuration(),
	})
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return swapper, repo, nil
}

func evmConfig(cfg *config.Config) evm.Config {
	return evm.Config{
		Identifier:     cfg.ChainIdentifier(),
		ChainID:        cfg.ChainIDBig(),
		EscrowContract: cfg.EvmEscrowContract,
		SpvContract:    cfg.EvmSpvContract,
		NativeToken:    cfg.EvmNativeToken,
		PollInterval:   cfg.EvmPollDuration(),
	}
}

func openRepo(cfg *config.Config, escrows map[string]domain.EscrowDecoder) (ports.RepoManager, error) {
	dbConfig := []any{cfg.DbDir()}
	if cfg.DbType == "badger" {
		dbConfig = append(dbConfig, log.WithField("component", "badger"))
	}
	repo, err := db.NewService(db.ServiceConfig{
		DbType:   cfg.DbType,
		DbConfig: dbConfig,
		Escrows:  escrows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %s", err)
	}
	return repo, nil
}

func serveMetrics(swapper *application.Swapper, port uint32) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(swapper.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(swapper.Tasks()); err != nil {
			log.WithError(err).Warn("failed to encode tasks status")
		}
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("serving metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}
