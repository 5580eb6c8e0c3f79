package cmd

import (
	"testing"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runTrainFlags(t *testing.T, cfg *config.Config, args ...string) string {
	t.Helper()
	var adapterPath string
	app := &cli.App{
		Name: "granseg",
		Commands: []*cli.Command{{
			Name:  "train",
			Flags: trainFlags(),
			Action: func(c *cli.Context) error {
				adapterPath = applyTrainFlags(c, cfg)
				return nil
			},
		}},
	}
	require.NoError(t, app.Run(append([]string{"granseg", "train"}, args...)))
	return adapterPath
}

func TestTrainAdapterFlag(t *testing.T) {
	cfg := config.Default()
	require.True(t, cfg.Adapter.Enabled)

	path := runTrainFlags(t, cfg, "--adapter=false", "--adapter-checkpoint", "resume.json")
	assert.False(t, cfg.Adapter.Enabled)
	assert.Equal(t, "resume.json", path)

	runTrainFlags(t, cfg, "--adapter")
	assert.True(t, cfg.Adapter.Enabled)
}

func TestTrainFlagsKeepConfigWhenUnset(t *testing.T) {
	cfg := config.Default()
	cfg.Adapter.Enabled = false

	path := runTrainFlags(t, cfg, "--steps", "7", "--batch-size", "2", "--devices", "cpu", "--dataset", "m.json")
	assert.False(t, cfg.Adapter.Enabled)
	assert.Empty(t, path)
	assert.Equal(t, 7, cfg.Train.Steps)
	assert.Equal(t, 2, cfg.Train.BatchSize)
	assert.Equal(t, []string{"cpu"}, cfg.Train.Devices)
	assert.Equal(t, "m.json", cfg.Train.Dataset)
	assert.Equal(t, 4, config.Default().Train.BatchSize)
}
