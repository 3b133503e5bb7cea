package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/dtnd/pkg/config"
	"github.com/kestrelworks/dtnd/pkg/daemon"
	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/log"
	"github.com/kestrelworks/dtnd/pkg/ltp"
	"github.com/kestrelworks/dtnd/pkg/metrics"
	"github.com/kestrelworks/dtnd/pkg/restage"
	"github.com/kestrelworks/dtnd/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dtnd",
	Short: "dtnd - delay-tolerant networking bundle daemon",
	Long: `dtnd is a DTN bundle forwarding daemon: it ingests, stores,
forwards, and delivers bundles across intermittently connected links,
with optional custody transfer for reliability, an LTP engine for long
delay paths, and a restage store for disk overflow.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dtnd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bundle daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.DefaultConfig()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		return runDaemon(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func runDaemon(cfg *config.Config) error {
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	durable, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer durable.Close()

	payloads, err := storage.NewPayloadStore(cfg.DataDir)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, durable, payloads, nil)
	if err != nil {
		return err
	}

	// LTP convergence layer: one engine, nodes created per link.
	local, err := eid.Parse(cfg.LocalEID)
	if err != nil {
		return err
	}
	engineID := local.Node
	if engineID == 0 {
		engineID = 1
	}
	ltpParams := ltp.ParamsFromConfig(cfg.LTP)
	if ltpParams.DirPath == "" {
		ltpParams.DirPath = filepath.Join(cfg.DataDir, "ltp")
	}
	if err := os.MkdirAll(ltpParams.DirPath, 0o755); err != nil {
		return fmt.Errorf("ltp dir: %w", err)
	}
	engine := ltp.NewEngine(engineID, d.Timers)
	d.CLs.Register(ltp.NewConvergenceLayer(engine, ltpParams, ltp.Deps{
		Dispatcher: d.Dispatcher,
		Bundles:    d.Bundles,
		Payloads:   payloads,
	}))

	// Restage convergence layer and the BARD behind it.
	restageDeps := restage.Deps{
		Dispatcher: d.Dispatcher,
		Bundles:    d.Bundles,
		Payloads:   payloads,
	}
	var mailer restage.Mailer
	if cfg.Restage.EmailEnabled && cfg.Restage.SMTPAddr != "" {
		host, port := splitSMTPAddr(cfg.Restage.SMTPAddr)
		mailer = restage.NewSMTPMailer(host, port, cfg.Restage.FromEmail, cfg.Restage.NotifyEmails)
	}
	bard := restage.NewBARD(cfg.Restage.TTLOverride, cfg.Restage.PartOfPool)
	ctrl := restage.NewController(filepath.Join(cfg.DataDir, "restage"),
		cfg.Restage, restageDeps, bard, mailer)
	d.CLs.Register(restage.NewConvergenceLayer(ctrl, restageDeps))

	if err := d.Start(context.Background()); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
				log.Errorf("metrics server failed", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")

	d.Shutdown()
	return nil
}

func splitSMTPAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 25
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 25
	}
	return host, port
}
