package main

import (
	"fmt"
	"os"

	"github.com/TIANLI0/GranSeg/cmd"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	info := cmd.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		BuildID:   BuildID,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
	}

	app := &cli.App{
		Name:    "granseg",
		Usage:   "Granularity-controllable interactive segmentation",
		Version: Version,
		Commands: []*cli.Command{
			cmd.ServeCommand(info),
			cmd.TrainCommand(),
			cmd.ProposalsCommand(),
			cmd.FilterCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
