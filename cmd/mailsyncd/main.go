package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/engine"
	"github.com/brandon/mailsync/internal/pool"
	"github.com/brandon/mailsync/internal/remote"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd %s\n", version)
		return
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	dial := pool.Dialer(func(account string) (remote.Session, error) {
		acc, err := cfg.GetAccountByName(account)
		if err != nil {
			return nil, err
		}
		return remote.DialIMAP(acc, logger)
	})

	eng, err := engine.New(cfg, dial, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize sync engine")
	}

	eng.Start()
	logger.WithFields(logrus.Fields{
		"version":  version,
		"accounts": cfg.AccountNames(),
		"db":       cfg.DBPath,
	}).Info("mailsyncd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	if err := eng.Close(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
