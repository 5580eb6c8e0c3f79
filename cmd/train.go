package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// TrainCommand 多掩码训练 adapter
func TrainCommand() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Fine-tune the decoder adapter with multi-mask supervision",
		Flags: trainFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			defer utils.Sync()
			adapterPath := applyTrainFlags(c, cfg)
			if err := service.ValidateDevices(cfg.Train.Devices); err != nil {
				return err
			}

			store, err := loadProposals(cfg.Proposals.Path, cfg.Proposals.Tolerance)
			if err != nil {
				return err
			}
			ds, err := service.LoadDataset(cfg.Train.Dataset)
			if err != nil {
				return err
			}
			backbone, err := loadBackbone(cfg.Model.BaseCheckpoint)
			if err != nil {
				return err
			}
			ctrl := service.NewGranularityController(store, &cfg.Granularity)
			adapter, err := loadAdapter(adapterPath, ctrl.Dim())
			if err != nil {
				return err
			}

			sup := service.NewSupervisor(ctrl, service.NewClickAffinityDecoder(), &cfg.Supervisor)
			sim := service.NewClickSimulator(&cfg.Simulator)
			loader := service.NewDataLoader(ds, store, sim, &cfg.Train, &cfg.Simulator)
			trainable := service.TrainableNames(adapter, &cfg.Adapter)
			if len(trainable) == 0 {
				utils.Logger.Warn("adapter training disabled, running evaluation only",
					zap.Bool("adapter_enabled", cfg.Adapter.Enabled),
					zap.Strings("groups", cfg.Adapter.TrainableGroups))
			}
			trainer, err := service.NewTrainer(&cfg.Train, backbone, sup, loader, adapter, trainable)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			report, err := trainer.Run(ctx)
			if err != nil {
				return err
			}

			fields := []zap.Field{
				zap.Int("steps", report.Steps),
				zap.Int("samples", report.Samples),
				zap.Float64("final_loss", report.FinalLoss),
				zap.Float64("mean_iou", report.MeanIoU),
				zap.Int("fallbacks", report.Fallbacks),
				zap.String("checkpoint", report.Checkpoint),
			}
			if store != nil {
				fields = append(fields,
					zap.Int64("lookup_fallbacks", store.FallbackCount()),
					zap.Int64("lookup_misses", store.MissCount()))
			}
			utils.Logger.Info("training finished", fields...)
			return nil
		},
	}
}

func trainFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.StringFlag{Name: "dataset", Usage: "Dataset manifest `FILE`"},
		&cli.StringFlag{Name: "proposals", Usage: "Part proposal `FILE`"},
		&cli.StringFlag{Name: "checkpoint", Usage: "Output adapter checkpoint `FILE`"},
		&cli.BoolFlag{Name: "adapter", Usage: "Enable adapter training (overrides adapter.enabled)"},
		&cli.StringFlag{Name: "adapter-checkpoint", Usage: "Adapter checkpoint `FILE` to resume from"},
		&cli.StringFlag{Name: "base-checkpoint", Usage: "Frozen backbone checkpoint `FILE`"},
		&cli.IntFlag{Name: "batch-size", Usage: "Samples per step"},
		&cli.IntFlag{Name: "steps", Usage: "Number of training steps"},
		&cli.StringSliceFlag{Name: "devices", Usage: "Training devices"},
	}
}

// applyTrainFlags 命令行参数覆盖配置，返回续训的 adapter checkpoint 路径
func applyTrainFlags(c *cli.Context, cfg *config.Config) string {
	if v := c.String("dataset"); v != "" {
		cfg.Train.Dataset = v
	}
	if v := c.String("proposals"); v != "" {
		cfg.Proposals.Path = v
	}
	if v := c.String("checkpoint"); v != "" {
		cfg.Train.Checkpoint = v
	}
	if c.IsSet("adapter") {
		cfg.Adapter.Enabled = c.Bool("adapter")
	}
	if v := c.String("base-checkpoint"); v != "" {
		cfg.Model.BaseCheckpoint = v
	}
	if v := c.Int("batch-size"); v > 0 {
		cfg.Train.BatchSize = v
	}
	if v := c.Int("steps"); v > 0 {
		cfg.Train.Steps = v
	}
	if v := c.StringSlice("devices"); len(v) > 0 {
		cfg.Train.Devices = v
	}
	return c.String("adapter-checkpoint")
}
