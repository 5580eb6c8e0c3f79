package cmd

import (
	"fmt"

	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/urfave/cli/v2"
)

// FilterCommand 标签图类别筛选
func FilterCommand() *cli.Command {
	return &cli.Command{
		Name:  "filter",
		Usage: "Keep a subset of classes in a label map",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "labels", Usage: "Label map `FILE` (PNG)", Required: true},
			&cli.IntSliceFlag{Name: "keep", Usage: "Class ids to keep (default: all)"},
			&cli.StringFlag{Name: "out", Usage: "Output `FILE` (default: <labels>_edited.png)"},
		},
		Action: func(c *cli.Context) error {
			if _, err := setup(c); err != nil {
				return err
			}
			defer utils.Sync()
			res, err := service.FilterLabelFile(c.String("labels"), c.IntSlice("keep"), c.String("out"))
			if err != nil {
				return err
			}
			fmt.Printf("classes %v, kept %v -> %s\n", res.Classes, res.Kept, res.Output)
			return nil
		},
	}
}
