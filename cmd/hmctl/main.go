// Command hmctl drives a HarmonyOS device through the UI test agent.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hmdriver/bridge"
	"hmdriver/config"
	"hmdriver/device"
	"hmdriver/logging"
	"hmdriver/middleware"
	"hmdriver/registry"
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	serial      string
	metricsAddr string
}

// env is what every subcommand runs against. It is built lazily so that
// --help works without hdc.
type env struct {
	cfg      config.Config
	hdc      *bridge.HDC
	reg      registry.Registry
	metrics  *middleware.Metrics
	pool     *device.Pool
	closeFns []func()
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:          "hmctl",
		Short:        "Drive a HarmonyOS device through the UI test agent",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&flags.serial, "serial", "", "device serial (default from config or balancer)")
	cmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")

	cmd.AddCommand(
		newDevicesCmd(&flags),
		newInvokeCmd(&flags),
		newLayoutCmd(&flags),
		newRecordCmd(&flags),
	)
	return cmd
}

func (f *rootFlags) open() (*env, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.serial != "" {
		cfg.Serial = f.serial
	}
	logging.SetLevel(cfg.Log.Level)

	e := &env{cfg: cfg}
	if e.hdc, err = bridge.New(cfg.HDCOptions()); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	if e.metrics, err = middleware.NewMetrics(promReg); err != nil {
		return nil, err
	}
	if f.metricsAddr != "" {
		e.serveMetrics(f.metricsAddr, promReg)
	}

	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			e.close()
			return nil, err
		}
		e.reg = etcd
		e.closeFns = append(e.closeFns, func() { etcd.Close() })
	}

	popts, err := cfg.PoolOptions(cfg.Middleware(e.metrics), e.reg)
	if err != nil {
		e.close()
		return nil, err
	}
	e.pool = device.NewPool(e.hdc, popts)
	return e, nil
}

func (e *env) serveMetrics(addr string, gatherer prometheus.Gatherer) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("hmctl: metrics server")
		}
	}()
	e.closeFns = append(e.closeFns, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

// acquire returns a driver for the configured serial, or one picked by the
// balancer when none is set.
func (e *env) acquire(ctx context.Context) (*device.Driver, error) {
	return e.pool.Acquire(ctx, e.cfg.Serial)
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
	for i := len(e.closeFns) - 1; i >= 0; i-- {
		e.closeFns[i]()
	}
}
