package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cretz/omm/pkg/config"
	ommlog "github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "omm",
		Short: "Open message model consumer and provider tools",
	}
	cmd.PersistentFlags().StringP("config", "c", "", "YAML config file, overridden by OMM_* env vars")
	cmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error, or off)")
	cmd.AddCommand(consumeCmd(), provideCmd(), discoverCmd(), dictionaryCmd())
	return cmd
}

type rootContext struct {
	context.Context
	cmd    *cobra.Command
	args   []string
	log    ommlog.Log
	config *config.Config
}

// applyRun sets the command to load config and run fn in the background
// until it returns or the process is signalled. keys maps flag names of cmd
// to the config keys they override.
func applyRun(cmd *cobra.Command, keys map[string]string, fn func(*rootContext) error) *cobra.Command {
	if cmd.Args == nil {
		cmd.Args = cobra.NoArgs
	}
	cmd.Run = func(cmd *cobra.Command, args []string) {
		ctx := &rootContext{cmd: cmd, args: args}
		var cancel context.CancelFunc
		ctx.Context, cancel = context.WithCancel(context.Background())
		defer cancel()
		bindings := map[string]*pflag.Flag{"log_level": cmd.Root().PersistentFlags().Lookup("log-level")}
		for flag, key := range keys {
			bindings[key] = cmd.Flags().Lookup(flag)
		}
		configFile, _ := cmd.Root().PersistentFlags().GetString("config")
		var err error
		if ctx.config, err = config.Load(configFile, bindings); err != nil {
			log.Fatalf("failed loading config: %v", err)
			return
		}
		if ctx.log, err = ommlog.NewZapLog(ctx.config.LogLevel); err != nil {
			log.Fatalf("failed creating log: %v", err)
			return
		}
		// Run in background
		errCh := make(chan error, 1)
		go func() { errCh <- fn(ctx) }()
		// Wait for error or termination
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal(err)
			}
		case <-sigCh:
			ctx.log.Infof("Got termination signal, closing")
			cancel()
			if err := <-errCh; err != nil {
				ctx.log.Warnf("Failed closing: %v", err)
			}
		}
	}
	return cmd
}

// serveMetrics returns collectors registered to a new registry, serving it on addr
// until ctx is done. If addr is empty, the collectors are unregistered.
func (r *rootContext) serveMetrics(addr, subsystem string) *metrics.Metrics {
	if addr == "" {
		return metrics.New(nil, subsystem)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, subsystem)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		r.log.Infof("Serving metrics on %v", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warnf("Metrics server failed: %v", err)
		}
	}()
	go func() {
		<-r.Done()
		server.Close()
	}()
	return m
}
