package service

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResultCache 导出结果缓存；同一图片按粒度各保留一份
type ResultCache interface {
	GetSegmentation(ctx context.Context, md5 string) (*model.SegmentationResult, error)
	ListSegmentations(ctx context.Context, md5 string) ([]*model.SegmentationResult, error)
	SetSegmentation(ctx context.Context, md5 string, result *model.SegmentationResult) error
}

// RedisService 每张图片一个 hash：segmentation:<md5>，field 为粒度，
// latest 字段记录最近一次导出的粒度
type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

const latestField = "latest"

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func segmentationKey(md5 string) string {
	return "segmentation:" + md5
}

func granularityField(g float64) string {
	return strconv.FormatFloat(g, 'f', 4, 64)
}

// GetSegmentation 最近一次导出的结果，未命中时返回 nil, nil
func (s *RedisService) GetSegmentation(ctx context.Context, md5 string) (*model.SegmentationResult, error) {
	all, err := s.client.HGetAll(ctx, segmentationKey(md5)).Result()
	if err != nil {
		return nil, err
	}
	_, latest, err := decodeSegmentationHash(md5, all)
	return latest, err
}

// ListSegmentations 该图片各粒度的导出结果，按粒度升序
func (s *RedisService) ListSegmentations(ctx context.Context, md5 string) ([]*model.SegmentationResult, error) {
	all, err := s.client.HGetAll(ctx, segmentationKey(md5)).Result()
	if err != nil {
		return nil, err
	}
	list, _, err := decodeSegmentationHash(md5, all)
	return list, err
}

// segmentationHash SetSegmentation 写入的字段
func segmentationHash(result *model.SegmentationResult) (map[string]any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	field := granularityField(result.Granularity)
	return map[string]any{field: data, latestField: field}, nil
}

// decodeSegmentationHash 解析整个 hash：按粒度升序的结果和 latest 指向的结果
func decodeSegmentationHash(md5 string, all map[string]string) ([]*model.SegmentationResult, *model.SegmentationResult, error) {
	out := make([]*model.SegmentationResult, 0, len(all))
	var latest *model.SegmentationResult
	for field, data := range all {
		if field == latestField {
			continue
		}
		r, err := decodeSegmentation(md5, []byte(data))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, r)
		if field == all[latestField] {
			latest = r
		}
	}
	slices.SortFunc(out, func(a, b *model.SegmentationResult) int {
		switch {
		case a.Granularity < b.Granularity:
			return -1
		case a.Granularity > b.Granularity:
			return 1
		}
		return 0
	})
	return out, latest, nil
}

// SetSegmentation 写入结果并刷新整张图片的过期时间
func (s *RedisService) SetSegmentation(ctx context.Context, md5 string, result *model.SegmentationResult) error {
	values, err := segmentationHash(result)
	if err != nil {
		return err
	}
	key := segmentationKey(md5)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func decodeSegmentation(md5 string, data []byte) (*model.SegmentationResult, error) {
	var result model.SegmentationResult
	if err := json.Unmarshal(data, &result); err != nil {
		utils.Logger.Error("failed to unmarshal segmentation result",
			zap.String("md5", md5), zap.Error(err))
		return nil, err
	}
	return &result, nil
}

func (s *RedisService) Close() error {
	return s.client.Close()
}
