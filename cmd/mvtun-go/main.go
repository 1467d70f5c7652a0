package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/database64128/mvtun-go/jsonhelper"
	"github.com/database64128/mvtun-go/logging"
	"github.com/database64128/mvtun-go/service"
	"github.com/database64128/mvtun-go/status"
	"github.com/database64128/mvtun-go/tslog"
)

var (
	version       bool
	testConf      bool
	logNoColor    bool
	logNoTime     bool
	logKind       tslog.Kind
	logLevel      logging.LevelVar
	confPath      string
	zapConf       string
	statusAddress string
	statusNetwork string
)

func init() {
	flag.BoolVar(&version, "version", false, "Print the version and exit")
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file and exit without starting the services")
	flag.BoolVar(&logNoColor, "logNoColor", false, "Disable colors in log output")
	flag.BoolVar(&logNoTime, "logNoTime", false, "Disable timestamps in log output")
	flag.TextVar(&logKind, "logKind", tslog.KindTint, "Log handler kind.\nAvailable kinds: tint, text, json, zap")
	flag.TextVar(&logLevel, "logLevel", logging.LevelVar(slog.LevelInfo), "Log level.\nAvailable levels: debug, info, warn, error")
	flag.StringVar(&confPath, "confPath", "", "Path to the JSON or YAML configuration file")
	flag.StringVar(&zapConf, "zapConf", "console", "Preset name or path to the JSON configuration file for building the zap logger, used with -logKind zap.\nAvailable presets: console, console-nocolor, console-notime, systemd, production, development")
	flag.StringVar(&statusAddress, "status", "", "Print the status reported by a running instance at this address and exit")
	flag.StringVar(&statusNetwork, "statusNetwork", "tcp", "Network of the -status address: tcp or unix")
}

func main() {
	flag.Parse()

	if version {
		if info, ok := debug.ReadBuildInfo(); ok {
			os.Stdout.WriteString(info.String())
		}
		return
	}

	if statusAddress != "" {
		if err := printStatus(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if confPath == "" {
		fmt.Fprintln(os.Stderr, "Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	logger, syncLogger, err := logging.NewLogger(tslog.Config{
		Level:   slog.Level(logLevel),
		NoColor: logNoColor,
		NoTime:  logNoTime,
		Kind:    logKind,
	}, zapConf, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer syncLogger()

	var sc service.Config
	if err = jsonhelper.LoadConfig(confPath, &sc); err != nil {
		logger.Error("Failed to load config",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	m, err := sc.Manager(logger)
	if err != nil {
		logger.Error("Failed to create service manager",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	if testConf {
		logger.Info("Config test OK", slog.String("path", confPath))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = m.Start(ctx); err != nil {
		logger.Error("Failed to start services",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Received exit signal")
	m.Stop()
}

func printStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := status.Query(ctx, statusNetwork, statusAddress)
	if err != nil {
		return fmt.Errorf("failed to query status: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(report)
}
