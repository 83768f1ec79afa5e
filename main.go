package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	debugpkg "runtime/debug"
	"syscall"
	"time"
)

// buildTime can be set with -ldflags "-X main.buildTime=...".
var buildTime = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			if f, err := os.OpenFile("panic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s\n%s\n\n",
					time.Now().UTC().Format(time.RFC3339), r, buildTime, debugpkg.Stack())
				_ = f.Close()
			}
			panic(r)
		}
	}()

	configFlag := flag.String("config", defaultConfigPath(), "path to config.toml")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	testnetFlag := flag.Bool("testnet", false, "use testnet address and peer parameters")
	flag.Parse()

	cfg, secretsPath, err := loadConfig(*configFlag, *secretsFlag)
	if err != nil {
		if errors.Is(err, errConfigMissing) {
			ensureExampleFiles(cfg.DataDir)
			fmt.Fprintf(os.Stderr, "%v\nexample files were written under %s/config/examples\n", err, cfg.DataDir)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *testnetFlag {
		cfg.Testnet = true
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	applyRPCCookieCredentials(&cfg)
	if cfg.StratumPasswordEnabled && cfg.StratumPassword == "" {
		cfg.StratumPassword = generateStratumPassword()
	}

	if err := configureLogging(cfg, *stdoutLogFlag); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logger.Stop()
	if err := validateConfig(cfg); err != nil {
		fatal("config", err, "path", *configFlag)
	}
	ensureExampleFiles(cfg.DataDir)
	logger.Info("starting "+poolSoftwareName, "build_time", buildTime, "secrets", secretsPath, "sha256", sha256Backend())
	cfg.logSummary()
	if cfg.StratumPasswordEnabled && !cfg.StratumJWTEnabled {
		logger.Info("stratum password auth enabled", "password", cfg.StratumPassword)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := openStateStore(stateDBPathFromDataDir(cfg.DataDir))
	if err != nil {
		fatal("state db", err)
	}
	defer state.Close()

	notifier, err := newDiscordNotifier(cfg)
	if err != nil {
		logger.Warn("discord notifier disabled", "error", err)
		notifier = nil
	}

	pool, err := NewPool(cfg, state, notifier)
	if err != nil {
		fatal("pool", err)
	}
	if err := pool.Start(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("shutdown requested during startup")
			return
		}
		fatal("pool start", err)
	}

	<-ctx.Done()
	logger.Info("shutdown requested, draining connections")
	pool.Stop()
	logger.Info("shutdown complete")
}
