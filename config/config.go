package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Proposals   ProposalConfig    `mapstructure:"proposals"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	Granularity GranularityConfig `mapstructure:"granularity"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Session     SessionConfig     `mapstructure:"session"`
	Train       TrainConfig       `mapstructure:"train"`
	Model       ModelConfig       `mapstructure:"model"`
	Adapter     AdapterConfig     `mapstructure:"adapter"`
	Refine      RefineConfig      `mapstructure:"refine"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
	MaxDimension int      `mapstructure:"max_dimension"` // 长边超过时缩放
}

// ProposalConfig 部件提案库
type ProposalConfig struct {
	Path      string  `mapstructure:"path"`
	Tolerance float64 `mapstructure:"tolerance"`
}

// SimulatorConfig 点击模拟器
type SimulatorConfig struct {
	MaxClicks     int     `mapstructure:"max_clicks"`
	InitialClicks int     `mapstructure:"initial_clicks"`
	DiskRadius    int     `mapstructure:"disk_radius"`
	TargetIoU     float64 `mapstructure:"target_iou"`
	Jitter        float64 `mapstructure:"jitter"`
}

// GranularityConfig 粒度编码
type GranularityConfig struct {
	BasisSize  int     `mapstructure:"basis_size"`
	Resolution float64 `mapstructure:"resolution"`
}

// SupervisorConfig 多掩码训练损失
type SupervisorConfig struct {
	Hypotheses       int     `mapstructure:"hypotheses"`
	SegWeight        float64 `mapstructure:"seg_weight"`
	DiceWeight       float64 `mapstructure:"dice_weight"`
	NestingWeight    float64 `mapstructure:"nesting_weight"`
	NestingTolerance float64 `mapstructure:"nesting_tolerance"`
	RankingWeight    float64 `mapstructure:"ranking_weight"`
	RankingMargin    float64 `mapstructure:"ranking_margin"`
}

// SessionConfig 交互会话
type SessionConfig struct {
	MaxClicks     int           `mapstructure:"max_clicks"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  int           `mapstructure:"queue_timeout"`
}

// TrainConfig 训练入口
type TrainConfig struct {
	Dataset      string        `mapstructure:"dataset"`
	Checkpoint   string        `mapstructure:"checkpoint"`
	BatchSize    int           `mapstructure:"batch_size"`
	Steps        int           `mapstructure:"steps"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	LearningRate float64       `mapstructure:"learning_rate"`
	FiniteDiff   float64       `mapstructure:"finite_diff"`
	Seed         int64         `mapstructure:"seed"`
	LogEvery     int           `mapstructure:"log_every"`
	Devices      []string      `mapstructure:"devices"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ModelConfig 推理模型
type ModelConfig struct {
	BaseCheckpoint    string `mapstructure:"base_checkpoint"`
	AdapterCheckpoint string `mapstructure:"adapter_checkpoint"`
	Device            string `mapstructure:"device"`
}

// AdapterConfig 可训练参数分组，未列出的分组保持冻结
type AdapterConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	TrainableGroups []string `mapstructure:"trainable_groups"`
}

// RefineConfig 展示用掩码后处理
type RefineConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	KernelSize  int  `mapstructure:"kernel_size"`
	KeepLargest bool `mapstructure:"keep_largest"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 使用默认配置路径加载配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		// 如果加载失败，返回默认配置
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("upload.max_size", 10*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg"})
	v.SetDefault("upload.max_dimension", 1024)

	v.SetDefault("proposals.path", "")
	v.SetDefault("proposals.tolerance", 0.5)

	v.SetDefault("simulator.max_clicks", 20)
	v.SetDefault("simulator.initial_clicks", 3)
	v.SetDefault("simulator.disk_radius", 5)
	v.SetDefault("simulator.target_iou", 0.9)
	v.SetDefault("simulator.jitter", 0.0)

	v.SetDefault("granularity.basis_size", 4)
	v.SetDefault("granularity.resolution", 0.01)

	v.SetDefault("supervisor.hypotheses", 3)
	v.SetDefault("supervisor.seg_weight", 1.0)
	v.SetDefault("supervisor.dice_weight", 1.0)
	v.SetDefault("supervisor.nesting_weight", 0.5)
	v.SetDefault("supervisor.nesting_tolerance", 0.05)
	v.SetDefault("supervisor.ranking_weight", 0.1)
	v.SetDefault("supervisor.ranking_margin", 0.05)

	v.SetDefault("session.max_clicks", 32)
	v.SetDefault("session.max_sessions", 64)
	v.SetDefault("session.idle_timeout", 15*time.Minute)
	v.SetDefault("session.max_concurrent", 3)
	v.SetDefault("session.queue_timeout", 30)

	v.SetDefault("train.batch_size", 4)
	v.SetDefault("train.steps", 200)
	v.SetDefault("train.workers", 4)
	v.SetDefault("train.queue_size", 16)
	v.SetDefault("train.learning_rate", 0.05)
	v.SetDefault("train.finite_diff", 1e-3)
	v.SetDefault("train.seed", 1)
	v.SetDefault("train.log_every", 10)
	v.SetDefault("train.devices", []string{"cpu"})
	v.SetDefault("train.timeout", 0)

	v.SetDefault("model.device", "cpu")

	v.SetDefault("adapter.enabled", true)
	v.SetDefault("adapter.trainable_groups", []string{"decoder"})

	v.SetDefault("refine.enabled", false)
	v.SetDefault("refine.kernel_size", 3)
	v.SetDefault("refine.keep_largest", false)
}

// Default 返回内置默认配置，与 setDefaults 保持一致
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    20,
			RateBurst:    40,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      24 * time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      10 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg"},
			MaxDimension: 1024,
		},
		Proposals: ProposalConfig{
			Tolerance: 0.5,
		},
		Simulator: SimulatorConfig{
			MaxClicks:     20,
			InitialClicks: 3,
			DiskRadius:    5,
			TargetIoU:     0.9,
		},
		Granularity: GranularityConfig{
			BasisSize:  4,
			Resolution: 0.01,
		},
		Supervisor: SupervisorConfig{
			Hypotheses:       3,
			SegWeight:        1.0,
			DiceWeight:       1.0,
			NestingWeight:    0.5,
			NestingTolerance: 0.05,
			RankingWeight:    0.1,
			RankingMargin:    0.05,
		},
		Session: SessionConfig{
			MaxClicks:     32,
			MaxSessions:   64,
			IdleTimeout:   15 * time.Minute,
			MaxConcurrent: 3,
			QueueTimeout:  30,
		},
		Train: TrainConfig{
			BatchSize:    4,
			Steps:        200,
			Workers:      4,
			QueueSize:    16,
			LearningRate: 0.05,
			FiniteDiff:   1e-3,
			Seed:         1,
			LogEvery:     10,
			Devices:      []string{"cpu"},
		},
		Model: ModelConfig{
			Device: "cpu",
		},
		Adapter: AdapterConfig{
			Enabled:         true,
			TrainableGroups: []string{"decoder"},
		},
		Refine: RefineConfig{
			KernelSize: 3,
		},
	}
}
