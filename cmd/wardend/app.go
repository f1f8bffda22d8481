package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/warden"
	"pkt.systems/warden/internal/svcfields"
)

// exitCodeErr carries a child process exit code through cobra's error path.
type exitCodeErr struct {
	code int
}

func (e exitCodeErr) Error() string {
	return fmt.Sprintf("supervised process exited with code %d", e.code)
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WARDEN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wardend")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var exit exitCodeErr
		if !errors.As(err, &exit) && !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return exitCode(err)
	}
	return 0
}

// exitCode maps a command error to the process exit code. Cancellation is a
// clean stop: a termination signal while still waiting for the lock must not
// read as a failure.
func exitCode(err error) int {
	var exit exitCodeErr
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	case errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wardend [flags] [-- command [args...]]",
		Short:         "wardend guards a single-active-instance workload with an object-store lock, fenced by a generation, and keeps its working state synced",
		SilenceErrors: true,
		Example: `
  # Guard a process against an S3 bucket, MinIO-style
  WARDEN_S3_ACCESS_KEY_ID=minioadmin WARDEN_S3_SECRET_ACCESS_KEY=minioadmin \
    wardend --store s3://localhost:9000/warden?insecure=1 --local-dir /var/lib/app -- myserver --port 8080

  # AWS S3 backend (credentials from the SDK default chain)
  wardend --store aws://my-bucket/prod --aws-region eu-north-1 --local-dir /var/lib/app -- myserver

  # Azure Blob backend
  wardend --store azure://myaccount/warden --local-dir /var/lib/app -- myserver

  # Library-style dry run against local disk, no supervised process
  wardend --store disk:///var/lib/warden --local-dir /tmp/state`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, cfg, err := setup(baseLogger)
			if err != nil {
				return err
			}
			return runGuard(cmd.Context(), cfg, logger, args)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.wardend/"+warden.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("store", warden.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("lock-key", warden.DefaultLockKey, "lock record key; instances sharing it are mutually exclusive")
	persistentFlags.String("bundle", "", "kryptograf PEM bundle enabling at-rest encryption")
	persistentFlags.Bool("no-storage-encryption", false, "force plaintext storage even when a bundle is configured")
	persistentFlags.String("aws-region", "", "region for aws:// stores")
	persistentFlags.String("s3-sse", "", "server-side encryption for S3 writes (AES256 or aws:kms)")
	persistentFlags.String("s3-kms-key-id", "", "KMS key for s3-sse=aws:kms")

	flags := cmd.Flags()
	flags.String("owner-id", "", "instance identity in the lock record (default wardend-<hostname>-<xid>)")
	flags.Duration("lease-ttl", warden.DefaultLeaseTTL, "lease duration stamped into the lock record")
	flags.Duration("renew-interval", 0, "renewal cadence (default lease-ttl/3)")
	flags.Duration("skew-margin", warden.DefaultSkewMargin, "extra wait beyond observed expiry before taking over a dead holder's lease")
	flags.String("local-dir", "", "local directory mirrored to the store (empty disables state sync)")
	flags.String("sync-prefix", warden.DefaultSyncPrefix, "object key prefix for state snapshots")
	flags.Duration("sync-interval", warden.DefaultSyncInterval, "periodic state push cadence")
	flags.Duration("shutdown-grace", warden.DefaultShutdownGrace, "platform termination deadline to stay inside")
	flags.Duration("shutdown-margin", warden.DefaultShutdownMargin, "headroom reserved before the grace deadline")
	flags.Float64("drain-fraction", warden.DefaultDrainFraction, "share of the shutdown budget spent draining in-flight work")
	flags.Int("storage-retry-attempts", warden.DefaultStorageRetryAttempts, "attempts per storage operation")
	flags.Duration("storage-retry-base", warden.DefaultStorageRetryBase, "first storage retry delay")
	flags.Duration("storage-retry-max", warden.DefaultStorageRetryMax, "storage retry delay cap")
	flags.Float64("storage-retry-multiplier", warden.DefaultStorageRetryMultiplier, "storage retry delay growth factor")
	flags.Float64("storage-retry-jitter", warden.DefaultStorageRetryJitter, "storage retry delay jitter fraction")
	flags.String("aws-kms-key-id", "", "KMS key override for aws:// stores")
	flags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	flags.String("azure-endpoint", "", "Azure Blob endpoint override (Azurite etc.)")
	flags.Bool("disk-record-watch", true, "fsnotify lock-record events for disk stores")
	flags.Bool("mem-record-watch", true, "in-process lock-record events for mem stores")
	flags.String("metrics-listen", warden.DefaultMetricsListen, "Prometheus listen address (empty disables)")
	flags.String("pprof-listen", warden.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace collector (grpc://, grpcs://, http://, https://)")

	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newConfigCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(persistentFlags)
	_ = viper.BindPFlags(flags)

	return cmd
}

// setup loads the optional config file, binds flags and env into a
// warden.Config, and applies the requested log level.
func setup(baseLogger pslog.Logger) (pslog.Logger, warden.Config, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return baseLogger, warden.Config{}, err
	}
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.root").Info("loaded config file", "path", configFile)
	}
	var cfg warden.Config
	if err := bindConfig(&cfg); err != nil {
		return logger, cfg, err
	}
	cfg.Logger = logger
	return logger, cfg, nil
}

func bindConfig(cfg *warden.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.LockKey = viper.GetString("lock-key")
	cfg.OwnerID = viper.GetString("owner-id")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.RenewInterval = viper.GetDuration("renew-interval")
	cfg.SkewMargin = viper.GetDuration("skew-margin")
	cfg.LocalDir = viper.GetString("local-dir")
	cfg.SyncPrefix = viper.GetString("sync-prefix")
	cfg.SyncInterval = viper.GetDuration("sync-interval")
	cfg.ShutdownGrace = viper.GetDuration("shutdown-grace")
	cfg.ShutdownMargin = viper.GetDuration("shutdown-margin")
	cfg.DrainFraction = viper.GetFloat64("drain-fraction")
	cfg.StorageRetryAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBase = viper.GetDuration("storage-retry-base")
	cfg.StorageRetryMax = viper.GetDuration("storage-retry-max")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.StorageRetryJitter = viper.GetFloat64("storage-retry-jitter")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.DiskRecordWatch = viper.GetBool("disk-record-watch")
	cfg.MemRecordWatch = viper.GetBool("mem-record-watch")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DisableStorageEncryption = viper.GetBool("no-storage-encryption")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg.Validate()
}

func runGuard(ctx context.Context, cfg warden.Config, logger pslog.Logger, argv []string) error {
	telemetry, err := warden.SetupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sup *supervisor
	if len(argv) > 0 {
		sup = newSupervisor(argv, logger)
	}

	hooks := warden.Hooks{}
	var guard *warden.Guard
	if sup != nil {
		hooks.OnReady = func(context.Context) {
			if err := sup.start(guard.Generation(), cfg.OwnerID); err != nil {
				svcfields.WithSubsystem(logger, "supervisor").Error("start failed", "error", err)
				cancel()
			}
		}
		hooks.OnStopping = func(context.Context) { sup.terminate() }
		hooks.OnLost = func(error) { sup.kill() }
	}

	guard, err = warden.New(cfg,
		warden.WithLogger(logger),
		warden.WithHooks(hooks),
		warden.WithMetricsRegisterer(telemetry.Registerer()),
	)
	if err != nil {
		return err
	}

	svcfields.WithSubsystem(logger, "lifecycle.init").Info("welcome to wardend",
		"pid", os.Getpid(),
		"store", cfg.Store,
		"lock_key", cfg.LockKey,
		"owner_id", cfg.OwnerID,
	)

	// A supervised child exiting on its own initiates shutdown too, and its
	// exit code is propagated once the guard has wound down.
	if sup != nil {
		go func() {
			select {
			case <-sup.exited():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	runErr := guard.Run(runCtx)
	if sup != nil {
		if code, ran := sup.wait(); ran && code != 0 {
			return exitCodeErr{code: code}
		}
	}
	return runErr
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := warden.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, warden.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
