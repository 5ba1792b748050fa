package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/config"
	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/exchange"
	"github.com/xtrntr/offerbook/internal/factory"
	"github.com/xtrntr/offerbook/internal/idgen"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/metrics"
	"github.com/xtrntr/offerbook/internal/settlement"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "offerbook",
	Short:         "Offer matching and order book service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (toml, yaml or json)")
}

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	conn     *connector.Connector
	notifier settlement.Notifier
	engine   *exchange.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &app{cfg: cfg, log: log, registry: reg, metrics: metrics.New(reg)}

	a.conn, err = factory.Open(ctx, cfg.Connector, cfg.Resilience, log)
	if err != nil {
		log.AtExit()
		return nil, err
	}
	a.notifier, err = settlement.New(cfg.Settlement, log)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	ids, err := idgen.New(cfg.NodeID)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.engine = exchange.NewEngine(cfg.Engine, a.conn, ids, log,
		exchange.WithMetrics(a.metrics), exchange.WithNotifier(a.notifier))
	return a, nil
}

func (a *app) close() error {
	var err error
	if a.notifier != nil {
		err = multierr.Append(err, a.notifier.Close())
	}
	if a.conn != nil {
		err = multierr.Append(err, a.conn.Close())
	}
	if err != nil {
		a.log.Warn("shutdown incomplete", zap.Error(err))
	}
	a.log.AtExit()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offerbook:", err)
		os.Exit(1)
	}
}
