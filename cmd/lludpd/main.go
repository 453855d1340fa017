// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lludpd runs a standalone LLUDP transport server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simverse/lludp"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "lludpd",
		Short:         "Reliable UDP message transport for virtual-world viewers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transport server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger(logLevel, logJSON)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := lludp.LoadConfig(configPath)
			if err != nil {
				return err
			}

			srv, err := lludp.NewServer(cfg, lludp.WithLogger(log))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}

			// Drain lifecycle events so slow operators still get logs.
			go func() {
				for ev := range srv.Events() {
					log.Debug("event",
						zap.Stringer("kind", ev.Kind),
						zap.Uint32("circuit", ev.CircuitID),
						zap.String("reason", string(ev.Reason)))
				}
			}()

			<-ctx.Done()
			log.Info("shutting down")
			return srv.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lludpd %s (%s)\n", version, commit)
		},
	}
}

func buildLogger(level string, jsonFormat bool) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	switch strings.ToLower(level) {
	case "debug":
		lvl.SetLevel(zap.DebugLevel)
	case "info":
		lvl.SetLevel(zap.InfoLevel)
	case "warn", "warning":
		lvl.SetLevel(zap.WarnLevel)
	case "error":
		lvl.SetLevel(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if jsonFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	zap.ReplaceGlobals(logger)
	return logger, nil
}
