package cmd

import (
	"fmt"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// BuildInfo 构建信息，由 main 注入
type BuildInfo struct {
	Version   string
	BuildTime string
	BuildID   string
	GitCommit string
	GitBranch string
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Load configuration from `FILE`",
	}
}

// setup 加载配置并初始化日志；未指定配置文件时尝试 config.yaml，失败则用默认值
func setup(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.New()
	}
	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// loadProposals path 为空时返回 nil，训练全部退化为完整实例监督
func loadProposals(path string, tolerance float64) (*service.ProposalStore, error) {
	if path == "" {
		utils.Logger.Warn("no proposal file configured, using whole-instance supervision")
		return nil, nil
	}
	store, err := service.LoadProposalStore(path, tolerance)
	if err != nil {
		return nil, err
	}
	logFileDigest("proposal file", path)
	return store, nil
}

// loadBackbone 默认冻结参数，指定 checkpoint 时按层覆盖
func loadBackbone(path string) (*service.LabBackbone, error) {
	base := service.DefaultBaseParams()
	if path != "" {
		loaded, _, err := service.LoadCheckpoint(path, service.CheckpointBase)
		if err != nil {
			return nil, err
		}
		if err := service.CheckShapes(base, loaded); err != nil {
			return nil, fmt.Errorf("base checkpoint %s: %w", path, err)
		}
		base = loaded
		utils.Logger.Info("base checkpoint loaded", zap.String("path", path))
		logFileDigest("base checkpoint", path)
	}
	return service.NewLabBackbone(base)
}

// loadAdapter 默认 adapter 参数，指定 checkpoint 时整体替换
func loadAdapter(path string, condDim int) (service.Params, error) {
	adapter := service.DefaultAdapterParams(condDim)
	if path == "" {
		return adapter, nil
	}
	loaded, step, err := service.LoadCheckpoint(path, service.CheckpointAdapter)
	if err != nil {
		return nil, err
	}
	if err := service.CheckShapes(adapter, loaded); err != nil {
		return nil, fmt.Errorf("adapter checkpoint %s: %w", path, err)
	}
	utils.Logger.Info("adapter checkpoint loaded", zap.String("path", path), zap.Int("step", step))
	logFileDigest("adapter checkpoint", path)
	return loaded, nil
}

// logFileDigest 记录输入文件的 MD5，便于复现训练和推理
func logFileDigest(kind, path string) {
	sum, err := utils.FileMD5(path)
	if err != nil {
		utils.Logger.Warn("failed to hash file", zap.String("kind", kind), zap.String("path", path), zap.Error(err))
		return
	}
	utils.Logger.Info("input file digest", zap.String("kind", kind), zap.String("path", path), zap.String("md5", sum))
}
