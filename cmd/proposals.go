package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// ProposalsCommand 部件提案工具
func ProposalsCommand() *cli.Command {
	return &cli.Command{
		Name:  "proposals",
		Usage: "Part proposal tools",
		Subcommands: []*cli.Command{
			{
				Name:  "build",
				Usage: "Split dataset instances into nested parts and write a proposal file",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "dataset", Usage: "Dataset manifest `FILE`"},
					&cli.StringFlag{Name: "out", Usage: "Output proposal `FILE` (.json or .json.gz)", Required: true},
					&cli.IntFlag{Name: "depth", Usage: "Maximum part depth below each instance", Value: 2},
					&cli.IntFlag{Name: "branching", Usage: "Clusters per split", Value: 3},
					&cli.IntFlag{Name: "min-area", Usage: "Smallest part area in pixels", Value: 16},
				},
				Action: func(c *cli.Context) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					defer utils.Sync()
					if v := c.String("dataset"); v != "" {
						cfg.Train.Dataset = v
					}
					ds, err := service.LoadDataset(cfg.Train.Dataset)
					if err != nil {
						return err
					}

					ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
					defer stop()
					b := service.NewProposalBuilder(c.Int("depth"), c.Int("branching"), c.Int("min-area"))
					n, err := service.BuildProposalFile(ctx, ds, b, c.String("out"))
					if err != nil {
						return err
					}
					utils.Logger.Info("proposal file written",
						zap.String("path", c.String("out")),
						zap.Int("images", n))
					return nil
				},
			},
			{
				Name:      "check",
				Usage:     "Load and validate a proposal file",
				ArgsUsage: "FILE",
				Flags:     []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					cfg, err := setup(c)
					if err != nil {
						return err
					}
					defer utils.Sync()
					if c.NArg() != 1 {
						return fmt.Errorf("expected one proposal file")
					}
					store, err := service.LoadProposalStore(c.Args().First(), cfg.Proposals.Tolerance)
					if err != nil {
						return err
					}
					fmt.Printf("%s: %d images\n", c.Args().First(), store.Len())
					return nil
				},
			},
		},
	}
}
