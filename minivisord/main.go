// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command minivisord starts the services named in a TOML configuration
// file, keeps them running according to their restart policies, and
// serves their status over HTTP.  SIGINT, SIGTERM and SIGHUP stop every
// service and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gdamore/minivisor"
	"github.com/gdamore/minivisor/rest"
)

var (
	configFile = "config.toml"
	addr       = "127.0.0.1:8321"
	name       = "minivisord"
	interval   time.Duration
	auth       string
	logOpts    minivisor.LogOptions
)

var rootCmd = &cobra.Command{
	Use:           "minivisord",
	Short:         "Minimal process supervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runDaemon,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", configFile, "configuration file")
	flags.StringVarP(&addr, "addr", "a", addr, "status listen address, empty to disable")
	flags.StringVarP(&name, "name", "n", name, "supervisor name")
	flags.DurationVarP(&interval, "interval", "i", 0, "liveness check interval (overrides config)")
	flags.StringVarP(&auth, "auth", "u", "", "user:bcrypt-hash required for status access")
	flags.StringVar(&logOpts.Level, "log-level", "info", "log level")
	flags.StringVar(&logOpts.File, "log-file", "", "log to a rotated file instead of stderr")
	flags.IntVar(&logOpts.MaxSizeMB, "log-max-size", 100, "rotate the log file after this many megabytes")
	flags.IntVar(&logOpts.MaxBackups, "log-max-backups", 0, "rotated log files to keep, 0 keeps all")
	flags.IntVar(&logOpts.MaxAgeDays, "log-max-age", 0, "days to keep rotated log files, 0 keeps all")
	flags.BoolVar(&logOpts.JSON, "log-json", false, "log in JSON")
}

// boot creates the manager and starts every configured service.  If any
// service fails to start, or ctx is cancelled part way through, the ones
// already started are shut down again.
func boot(ctx context.Context, cfg *minivisor.Config, logger *zap.Logger, every time.Duration) (*minivisor.Manager, error) {
	descs, e := cfg.Descriptors()
	if e != nil {
		return nil, e
	}
	if every == 0 {
		every = time.Duration(cfg.Interval)
	}
	m := minivisor.NewManager(name, minivisor.WithLogger(logger),
		minivisor.WithInterval(every))
	for _, d := range descs {
		if e := ctx.Err(); e != nil {
			return nil, errors.Join(e, m.Shutdown())
		}
		if _, e := m.Start(d); e != nil {
			return nil, errors.Join(e, m.Shutdown())
		}
	}
	return m, nil
}

func statusServer(m *minivisor.Manager, logger *zap.Logger) (*http.Server, error) {
	h := rest.NewHandler(m)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("bad user:hash supplied")
		}
		h.SetAuth(a[0], []byte(a[1]))
	}
	srv := &http.Server{Addr: addr, Handler: h}
	go func() {
		if e := srv.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			logger.Error("Status server failed", zap.Error(e))
		}
	}()
	return srv, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger, e := minivisor.NewLogger(logOpts)
	if e != nil {
		return e
	}
	defer logger.Sync()

	cfg, e := minivisor.LoadConfigFile(configFile)
	if e != nil {
		logger.Error("Failed to load configuration",
			zap.String("file", configFile), zap.Error(e))
		return e
	}

	ctx, stop := signal.NotifyContext(cmd.Context(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	m, e := boot(ctx, cfg, logger, interval)
	if e != nil {
		logger.Error("Failed to start services", zap.Error(e))
		return e
	}

	if addr != "" {
		srv, e := statusServer(m, m.Logger())
		if e != nil {
			return errors.Join(e, m.Shutdown())
		}
		defer srv.Close()
		m.Logger().Info("Serving status", zap.String("addr", addr))
	}

	return m.Run(ctx)
}

func main() {
	if e := rootCmd.ExecuteContext(context.Background()); e != nil {
		fmt.Fprintf(os.Stderr, "minivisord: %v\n", e)
		os.Exit(1)
	}
}
