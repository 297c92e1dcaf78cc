package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fantasim/utxo-recycler/internal/api"
	"github.com/fantasim/utxo-recycler/internal/api/handlers"
	"github.com/fantasim/utxo-recycler/internal/chainclient"
	"github.com/fantasim/utxo-recycler/internal/config"
	"github.com/fantasim/utxo-recycler/internal/lightning/lnurl"
	"github.com/fantasim/utxo-recycler/internal/lightning/walletconnect"
	"github.com/fantasim/utxo-recycler/internal/logging"
	"github.com/fantasim/utxo-recycler/internal/monitor"
	"github.com/fantasim/utxo-recycler/internal/processor"
	"github.com/fantasim/utxo-recycler/internal/store"
	"github.com/fantasim/utxo-recycler/internal/wallet"
)

var version = "dev"

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "version" {
		fmt.Printf("recycler %s\n", version)
		return
	}

	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting recycler",
		"version", version,
		"network", cfg.Network,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	mnemonic, err := wallet.ReadMnemonicFromFile(cfg.MnemonicFile)
	if err != nil {
		return fmt.Errorf("read mnemonic: %w", err)
	}

	seed, err := wallet.MnemonicToSeed(mnemonic)
	if err != nil {
		return fmt.Errorf("derive seed: %w", err)
	}

	net := wallet.NetworkParams(cfg.Network)
	masterKey, err := wallet.DeriveMasterKey(seed, net)
	if err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}

	backendURL := cfg.ChainBackendURL
	if backendURL == "" {
		backendURL = config.BlockstreamMainnetURL
		if cfg.Network == "testnet" {
			backendURL = config.BlockstreamTestnetURL
		}
	}

	chain := chainclient.New(masterKey, net, backendURL, cfg.ChainRequestsPerSecond)
	slog.Info("chain client initialized", "backend", backendURL)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), config.ServerWriteTimeout*4)
	if err := seedRevealedAddresses(startupCtx, st, chain); err != nil {
		startupCancel()
		return fmt.Errorf("seed revealed addresses: %w", err)
	}
	if err := chain.FullScan(startupCtx); err != nil {
		slog.Warn("startup full scan failed, continuing — the monitor loop will retry", "error", err)
	} else {
		slog.Info("startup full scan complete")
	}
	startupCancel()

	lnurlClient := lnurl.New()

	payer, err := walletconnect.New(cfg.WalletConnectURI, net)
	if err != nil {
		return fmt.Errorf("failed to initialize wallet-connect payer: %w", err)
	}
	slog.Info("wallet-connect payer initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := monitor.New(st, chain, cfg)
	go m.Run(ctx)

	p := processor.New(st, lnurlClient, payer, cfg)
	go p.Run(ctx)

	slog.Info("monitor and processor loops started")

	deps := &handlers.RecycleDeps{Store: st, Chain: chain, LNURL: lnurlClient}
	router := api.NewRouter(deps, cfg)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: config.ServerMaxHeaderBytes,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// seedRevealedAddresses reveals every address index already assigned to an
// existing recycle so the first full scan covers them, independent of
// whatever best-effort reveal happened at creation time.
func seedRevealedAddresses(ctx context.Context, st *store.Store, chain *chainclient.Client) error {
	maxIndex, err := st.MaxAddressIndex(ctx)
	if err != nil {
		return err
	}
	if maxIndex >= 0 {
		chain.RevealAddressesUpTo(maxIndex)
		slog.Info("revealed existing address indexes", "upTo", maxIndex)
	}
	return nil
}
