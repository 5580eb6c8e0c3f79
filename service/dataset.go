package service

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

// DatasetEntry 清单中的一张图片，路径相对清单所在目录
type DatasetEntry struct {
	ImageID string `json:"image_id"`
	Image   string `json:"image"`
	Labels  string `json:"labels"`
}

// DatasetManifest 数据集清单文件
type DatasetManifest struct {
	Entries []DatasetEntry `json:"entries"`
}

// LoadedEntry 解码后的图片、标签图及实例 ID
type LoadedEntry struct {
	ImageID   string
	Image     image.Image
	Labels    *model.LabelMap
	Instances []int
}

// Dataset 训练数据集，解码结果按需缓存，可并发读取
type Dataset struct {
	root    string
	entries []DatasetEntry
	cache   sync.Map
}

// LoadDataset 读取清单并校验 ID 唯一
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var mf DatasetManifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(mf.Entries) == 0 {
		return nil, fmt.Errorf("manifest %s has no entries", path)
	}
	seen := make(map[string]bool, len(mf.Entries))
	for i, e := range mf.Entries {
		if e.ImageID == "" || e.Image == "" || e.Labels == "" {
			return nil, fmt.Errorf("manifest %s: entry %d is incomplete", path, i)
		}
		if seen[e.ImageID] {
			return nil, fmt.Errorf("manifest %s: duplicate image id %q", path, e.ImageID)
		}
		seen[e.ImageID] = true
	}

	utils.Logger.Info("dataset manifest loaded",
		zap.String("path", path),
		zap.Int("entries", len(mf.Entries)))
	return &Dataset{root: filepath.Dir(path), entries: mf.Entries}, nil
}

func (d *Dataset) Len() int {
	return len(d.entries)
}

func (d *Dataset) Entry(i int) DatasetEntry {
	return d.entries[i]
}

// Load 解码第 i 个条目
func (d *Dataset) Load(i int) (*LoadedEntry, error) {
	if v, ok := d.cache.Load(i); ok {
		return v.(*LoadedEntry), nil
	}
	e := d.entries[i]
	img, err := utils.ReadImage(d.resolve(e.Image))
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", e.ImageID, err)
	}
	lblImg, err := utils.ReadImage(d.resolve(e.Labels))
	if err != nil {
		return nil, fmt.Errorf("labels %s: %w", e.ImageID, err)
	}
	labels := model.LabelMapFromImage(lblImg)
	b := img.Bounds()
	if labels.W != b.Dx() || labels.H != b.Dy() {
		return nil, fmt.Errorf("labels %s: %dx%d, image is %dx%d", e.ImageID, labels.W, labels.H, b.Dx(), b.Dy())
	}
	instances := model.ExtractClasses(labels)
	if len(instances) == 0 {
		return nil, fmt.Errorf("labels %s: no instances", e.ImageID)
	}

	le := &LoadedEntry{ImageID: e.ImageID, Image: img, Labels: labels, Instances: instances}
	v, _ := d.cache.LoadOrStore(i, le)
	return v.(*LoadedEntry), nil
}

func (d *Dataset) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}
