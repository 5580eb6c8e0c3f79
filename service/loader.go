package service

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DataLoader 并发构建训练样本：读取数据集、查询提案、模拟点击
type DataLoader struct {
	ds            *Dataset
	store         *ProposalStore
	sim           *ClickSimulator
	workers       int
	queueSize     int
	initialClicks int
	diskRadius    int
	seed          int64

	misses atomic.Int64
}

func NewDataLoader(ds *Dataset, store *ProposalStore, sim *ClickSimulator, train *config.TrainConfig, simCfg *config.SimulatorConfig) *DataLoader {
	return &DataLoader{
		ds:            ds,
		store:         store,
		sim:           sim,
		workers:       max(1, train.Workers),
		queueSize:     max(0, train.QueueSize),
		initialClicks: max(1, simCfg.InitialClicks),
		diskRadius:    max(1, simCfg.DiskRadius),
		seed:          train.Seed,
	}
}

// Misses 缺失提案、退化为完整实例监督的样本数
func (l *DataLoader) Misses() int64 {
	return l.misses.Load()
}

// Sample 构建第 j 个样本，结果只取决于 j 和基础种子
func (l *DataLoader) Sample(ctx context.Context, j int) (*model.TrainingSample, error) {
	seed := utils.DeriveSeed(l.seed, "sample", strconv.Itoa(j))
	rng := rand.New(rand.NewSource(seed))

	entry, err := l.ds.Load(rng.Intn(l.ds.Len()))
	if err != nil {
		return nil, err
	}
	inst := rng.Intn(len(entry.Instances))
	g := model.ClampGranularity(rng.Float64())
	instMask := model.ExtractInstance(entry.Labels, entry.Instances[inst])

	sample := &model.TrainingSample{
		ImageID:      entry.ImageID,
		Image:        entry.Image,
		Instance:     inst,
		InstanceMask: instMask,
		Granularity:  g,
		Seed:         seed,
	}

	// 点击针对该粒度下的部件；没有提案时针对完整实例
	target := instMask
	if l.store != nil {
		if tree, ok := l.store.Tree(entry.ImageID); ok {
			sample.Tree = tree
		}
		node, err := l.store.LookupInstance(entry.ImageID, inst, g)
		switch {
		case err == nil:
			target = node.Mask
		case errors.Is(err, model.ErrProposalNotFound):
			n := l.misses.Add(1)
			utils.Logger.Warn("proposal missing, using whole-instance supervision",
				zap.String("image", entry.ImageID),
				zap.Int("instance", inst),
				zap.Int64("misses", n))
		default:
			return nil, err
		}
	}

	n := 1 + rng.Intn(l.initialClicks)
	predict := DiskPredictor(instMask.W, instMask.H, l.diskRadius)
	clicks, _, err := l.sim.SimulateSequence(ctx, target, predict, n, seed)
	if err != nil {
		return nil, err
	}
	sample.Clicks = clicks
	return sample, nil
}

// Stream 启动 worker 池生成 n 个样本，写入容量为 queueSize 的通道；
// 通道在全部样本生成或出错后关闭，wait 返回第一个错误。
// 消费方提前退出时须取消 ctx。
func (l *DataLoader) Stream(ctx context.Context, n int) (<-chan *model.TrainingSample, func() error) {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	out := make(chan *model.TrainingSample, l.queueSize)

	g.Go(func() error {
		defer close(jobs)
		for j := 0; j < n; j++ {
			select {
			case jobs <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for j := range jobs {
				s, err := l.Sample(gctx, j)
				if err != nil {
					return err
				}
				select {
				case out <- s:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, g.Wait
}
