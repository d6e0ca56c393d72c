package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/etl"
	"github.com/covergrid/premium-pipeline/logging"
	"github.com/covergrid/premium-pipeline/metrics"
	"github.com/covergrid/premium-pipeline/pipeline"
	"github.com/covergrid/premium-pipeline/quality"
	"github.com/covergrid/premium-pipeline/source"
	"github.com/covergrid/premium-pipeline/store"
	"github.com/covergrid/premium-pipeline/transform"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		bootLog := logging.New("premium-pipeline", version)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := config.Validate(); err != nil {
		bootLog := logging.New(config.Service.Name, version)
		bootLog.Fatal().Err(err).Msg("Invalid config")
	}

	log := logging.New(config.Service.Name, version)
	logging.SetLevel(config.Service.LogLevel)

	log.Info().
		Str("config", *configPath).
		Str("warehouse", config.Warehouse.Engine).
		Int("sources", len(config.Sources)).
		Dur("poll_interval", config.PollInterval()).
		Msg("Starting premium pipeline")

	m := metrics.New(config.Metrics)
	if m.IsEnabled() {
		go func() {
			log.Info().Str("addr", config.Metrics.Address).Msg("Metrics server listening")
			if err := m.StartServer(config.Metrics.Address); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	st, err := openWarehouse(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer st.Close()

	nodes, err := buildNodes(config, st, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	graph, err := pipeline.NewGraph(nodes)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pipeline graph")
	}

	runnerCfg := pipeline.RunnerConfig{
		Interval: config.PollInterval(),
		CronSpec: config.Service.CronSchedule,
	}

	var watcher *source.Watcher
	if config.Service.WatchLanding {
		dirs := make([]string, len(config.Sources))
		for i, s := range config.Sources {
			dirs[i] = s.Dir
		}
		watcher, err = source.NewWatcher(dirs, config.WatchDebounce(), logging.Component(log, "watcher"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to watch landing directories")
		}
		defer watcher.Close()
		runnerCfg.Triggers = watcher.C
	}

	runner, err := pipeline.NewRunner(graph, runnerCfg, m, logging.Component(log, "runner"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create runner")
	}

	healthServer := NewHealthServer(config.Service.Name, config.Service.HealthPort, runner, logging.Component(log, "health"))
	go func() {
		if err := healthServer.Start(); err != nil {
			log.Warn().Err(err).Msg("Health server stopped")
		}
	}()
	defer healthServer.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		runner.Stop()
	}()

	if err := runner.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Runner failed")
	}

	log.Info().Msg("Shutdown complete")
}

func openWarehouse(config *Config) (store.Store, error) {
	if config.Warehouse.Engine == "postgres" {
		return store.NewPostgres(config.Warehouse.Postgres.ConnectionString())
	}
	return store.NewDuckDB(config.Warehouse.Path)
}

// buildNodes wires the configured sources and transforms into
// pipeline nodes. Edges resolve by table name in NewGraph.
func buildNodes(config *Config, st store.Store, m *metrics.Metrics, log zerolog.Logger) ([]*pipeline.Node, error) {
	var nodes []*pipeline.Node

	rules := etl.Evolution{
		AllowNewColumns: config.Evolution.AllowNewColumns,
		WidenToText:     config.Evolution.WidenToText,
	}
	for _, src := range config.Sources {
		ingester := &transform.Ingester{
			Reader: &source.Reader{
				Name:  src.Name,
				Dir:   src.Dir,
				Rules: rules,
			},
			Table:   src.Table,
			Store:   st,
			Log:     logging.Component(log, "ingest."+src.Name),
			Metrics: m,
		}
		nodes = append(nodes, &pipeline.Node{
			Name:     "ingest_" + src.Name,
			Produces: src.Table,
			Run: func(ctx context.Context, _ *pipeline.Run) (int64, error) {
				return ingester.Run(ctx)
			},
		})
	}

	if config.Silver.Table != "" {
		engine, err := buildEngine(config.Silver.Constraints)
		if err != nil {
			return nil, err
		}
		silver := &transform.Silver{
			Table:      config.Silver.Table,
			Facts:      config.Silver.Facts,
			Dimension:  config.Silver.Dimension,
			JoinKey:    config.Silver.JoinKey,
			DimColumns: config.Silver.DimensionColumns,
			DOBColumn:  config.Silver.DOBColumn,
			AgeColumn:  config.Silver.AgeColumn,
			Engine:     engine,
			Store:      st,
			Log:        logging.Component(log, "silver"),
			Metrics:    m,
		}
		nodes = append(nodes, &pipeline.Node{
			Name:     "silver_" + config.Silver.Table,
			Produces: config.Silver.Table,
			Upstream: []string{config.Silver.Facts, config.Silver.Dimension},
			Run: func(ctx context.Context, run *pipeline.Run) (int64, error) {
				return silver.Run(ctx, run.ID)
			},
		})
	}

	if config.Gold.Table != "" {
		gold := &transform.Gold{
			Table:       config.Gold.Table,
			Source:      config.Gold.Source,
			GroupBy:     config.Gold.GroupBy,
			AvgOf:       config.Gold.AverageOf,
			AvgColumn:   config.Gold.AvgColumn,
			CountColumn: config.Gold.CountColumn,
			Store:       st,
			Log:         logging.Component(log, "gold"),
		}
		nodes = append(nodes, &pipeline.Node{
			Name:     "gold_" + config.Gold.Table,
			Produces: config.Gold.Table,
			Upstream: []string{config.Gold.Source},
			Run: func(ctx context.Context, _ *pipeline.Run) (int64, error) {
				return gold.Run(ctx)
			},
		})
	}

	return nodes, nil
}

func buildEngine(constraints []ConstraintConfig) (*quality.Engine, error) {
	if len(constraints) == 0 {
		return nil, nil
	}
	specs := make([]quality.Constraint, len(constraints))
	for i, c := range constraints {
		specs[i] = quality.Constraint{
			Name:   c.Name,
			Expr:   c.Expr,
			Policy: quality.Policy(c.Policy),
		}
	}
	return quality.NewEngine(specs)
}
