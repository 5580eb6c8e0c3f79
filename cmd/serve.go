package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TIANLI0/GranSeg/handler"
	"github.com/TIANLI0/GranSeg/middleware"
	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/TIANLI0/GranSeg/vision"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// ServeCommand 启动交互分割演示服务
func ServeCommand(info BuildInfo) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the interactive segmentation demo server",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "base-checkpoint", Usage: "Frozen backbone checkpoint `FILE`"},
			&cli.StringFlag{Name: "adapter-checkpoint", Usage: "Adapter checkpoint `FILE`"},
			&cli.StringFlag{Name: "device", Usage: "Inference device"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			defer utils.Sync()
			if v := c.String("base-checkpoint"); v != "" {
				cfg.Model.BaseCheckpoint = v
			}
			if v := c.String("adapter-checkpoint"); v != "" {
				cfg.Model.AdapterCheckpoint = v
			}
			if v := c.String("device"); v != "" {
				cfg.Model.Device = v
			}

			utils.Logger.Info("starting GranSeg server",
				zap.String("version", info.Version),
				zap.String("build_time", info.BuildTime),
				zap.String("git_commit", info.GitCommit),
				zap.String("git_branch", info.GitBranch))

			if err := service.ValidateDevices([]string{cfg.Model.Device}); err != nil {
				return err
			}
			backbone, err := loadBackbone(cfg.Model.BaseCheckpoint)
			if err != nil {
				return err
			}
			ctrl := service.NewGranularityController(nil, &cfg.Granularity)
			adapter, err := loadAdapter(cfg.Model.AdapterCheckpoint, ctrl.Dim())
			if err != nil {
				return err
			}
			segModel := &service.SegModel{
				Backbone: backbone,
				Decoder:  service.NewClickAffinityDecoder(),
				Ctrl:     ctrl,
				Adapter:  adapter,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// 初始化Redis
			redisService := service.NewRedisService(&cfg.Redis)
			defer redisService.Close()
			var cache service.ResultCache
			if err := redisService.Ping(ctx); err != nil {
				utils.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
			} else {
				utils.Logger.Info("redis connected successfully")
				cache = redisService
			}

			manager := service.NewSessionManager(segModel, &cfg.Session)
			defer manager.CloseAll()
			go manager.Run(ctx)

			var refiner handler.MaskRefiner
			if cfg.Refine.Enabled {
				refiner = vision.NewMaskRefiner(&cfg.Refine)
			}
			sessionHandler := handler.NewSessionHandler(cfg, manager, cache, vision.DecodeImage, refiner)

			gin.SetMode(cfg.Server.Mode)
			r := gin.New()
			r.Use(gin.Recovery())
			r.Use(middleware.Logger("/health"))
			r.Use(middleware.CORS())

			if _, err := os.Stat("./static"); err == nil {
				r.Static("/static", "./static")
				r.StaticFile("/", "./static/index.html")
			}

			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"status":   "ok",
					"version":  info.Version,
					"sessions": manager.Len(),
				})
			})
			r.GET("/version", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"version":    info.Version,
					"build_time": info.BuildTime,
					"build_id":   info.BuildID,
					"git_commit": info.GitCommit,
					"git_branch": info.GitBranch,
				})
			})

			api := r.Group("/api/v1")
			api.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
			sessionHandler.Register(api)

			srv := &http.Server{
				Addr:         cfg.Server.Port,
				Handler:      r,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			utils.Logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
