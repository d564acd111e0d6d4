package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"genflow/internal/app"
	"genflow/internal/config"
	logx "genflow/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "genflow.json", "path to config file (json or yaml)")
	flag.Parse()

	// Local development overrides; absence is not an error.
	_ = godotenv.Load()

	boot := logx.NewConsole(os.Getenv("GENFLOW_LOG_LEVEL"))

	cfgMgr := config.NewManager(cfgPath)
	cfgMgr.SetValidator(app.Validate)
	cfg, err := cfgMgr.Load()
	if err != nil {
		boot.Error("config load failed", logx.String("path", cfgPath), logx.Any("err", err))
		os.Exit(1)
	}
	if err := app.Validate(context.Background(), cfg); err != nil {
		boot.Error("config invalid", logx.String("path", cfgPath), logx.Any("err", err))
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfgMgr, logSvc, log)
	if err := a.Start(ctx); err != nil {
		log.Error("startup failed", logx.Any("err", err))
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	log.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Any("err", err))
	}
}
