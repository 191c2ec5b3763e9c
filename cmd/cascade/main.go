package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cascademl/cascade/internal/adapters/devicepool"
	"github.com/cascademl/cascade/internal/config"
	"github.com/cascademl/cascade/internal/domain"
	"github.com/cascademl/cascade/internal/ports"
)

func newPool(cfg *config.Config, logger zerolog.Logger) (ports.DevicePool, error) {
	return devicepool.NewManager(
		cfg.Devices.Count, cfg.Devices.WorkersPerDevice, cfg.Devices.QueueSize, logger)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		devices    int
		stress     int
	)
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Deferred-evaluation array runtime demo",
		Long: "Builds a small computation graph, runs it through the cascade " +
			"scheduler on an in-process CPU device pool, and prints the results.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if devices > 0 {
				cfg.Devices.Count = devices
			}
			logger := cfg.NewLogger(os.Stderr)
			if stress > 0 {
				return runStress(cfg, logger, stress)
			}
			return runDemo(cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "cascade.json", "path to configuration file")
	cmd.Flags().IntVar(&devices, "devices", 0, "override configured device count")
	cmd.Flags().IntVar(&stress, "stress", 0, "submit this many concurrent pipelines instead of the demo")
	return cmd
}

// runDemo evaluates a small diamond: fill -> (scale x2, scale x3) -> add.
func runDemo(cfg *config.Config, logger zerolog.Logger) error {
	pool, err := newPool(cfg, logger)
	if err != nil {
		return err
	}
	sched := domain.NewDagScheduler(domain.NewPhysicalDag(), pool, logger)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()
	defer sched.Close()

	ec := &domain.ExecContext{DeviceID: 0}
	shape := domain.Shape{2, 3}

	a := sched.Create(ec, nil, []domain.Shape{shape}, fillOp{value: 1})[0]
	b := sched.Create(ec, []*domain.DagChunk{a}, []domain.Shape{shape}, scaleOp{factor: 2})[0]
	c := sched.Create(ec, []*domain.DagChunk{a}, []domain.Shape{shape}, scaleOp{factor: 3})[0]
	d := sched.Create(ec, []*domain.DagChunk{b, c}, []domain.Shape{shape}, addOp{})[0]

	sched.Wait(d)
	fmt.Printf("result %v = %v\n", d.Shape(), sched.GetValue(d))

	for _, chunk := range []*domain.DagChunk{a, b, c, d} {
		chunk.Release()
	}
	stats := sched.Stats()
	logger.Info().
		Int64("nodes_created", stats.NodesCreated()).
		Int64("tasks_dispatched", stats.TasksDispatched()).
		Int64("nodes_completed", stats.NodesCompleted()).
		Int64("values_freed", stats.ValuesFreed()).
		Msg("demo finished")
	return nil
}

// runStress submits n independent fill->scale chains from concurrent
// goroutines, waits for the whole graph, and verifies every result.
func runStress(cfg *config.Config, logger zerolog.Logger, n int) error {
	pool, err := newPool(cfg, logger)
	if err != nil {
		return err
	}
	sched := domain.NewDagScheduler(domain.NewPhysicalDag(), pool, logger)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()
	defer sched.Close()

	results := make([]*domain.DagChunk, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			ec := &domain.ExecContext{DeviceID: domain.DeviceID(i % cfg.Devices.Count)}
			shape := domain.Shape{4}
			src := sched.Create(ec, nil, []domain.Shape{shape}, fillOp{value: float32(i)})[0]
			defer src.Release()
			results[i] = sched.Create(ec, []*domain.DagChunk{src}, []domain.Shape{shape}, scaleOp{factor: 2})[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sched.WaitForAll()

	for i, chunk := range results {
		got := sched.GetValue(chunk)
		want := float32(i) * 2
		for _, v := range got {
			if v != want {
				return fmt.Errorf("pipeline %d produced %g, want %g", i, v, want)
			}
		}
		chunk.Release()
	}
	logger.Info().Int("pipelines", n).Msg("stress run verified")
	return nil
}
