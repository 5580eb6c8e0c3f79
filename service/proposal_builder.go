package service

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"go.uber.org/zap"
)

// 聚类特征中位置分量的权重
const positionWeight = 0.5

// ProposalBuilder 离线生成部件提案：在实例掩码内按 Lab 颜色加位置递归 k-means 切分。
// 子节点粒度 = 父粒度 × 子面积 / 父面积
type ProposalBuilder struct {
	depth      int
	branching  int
	minArea    int
	maxSamples int
}

func NewProposalBuilder(depth, branching, minArea int) *ProposalBuilder {
	return &ProposalBuilder{
		depth:      max(0, depth),
		branching:  max(2, branching),
		minArea:    max(1, minArea),
		maxSamples: 12000,
	}
}

// Build 为一张图片的全部实例生成部件树，实例顺序同 entry.Instances
func (b *ProposalBuilder) Build(ctx context.Context, entry *LoadedEntry) (*model.PartTree, error) {
	w, h := entry.Labels.W, entry.Labels.H
	feats := pixelFeatures(entry, w, h)
	tree := &model.PartTree{ImageID: entry.ImageID, W: w, H: h}

	for _, id := range entry.Instances {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		root := len(tree.Nodes)
		tree.Nodes = append(tree.Nodes, model.PartNode{
			Index:       root,
			Parent:      -1,
			Granularity: 1.0,
			Mask:        model.ExtractInstance(entry.Labels, id),
		})
		tree.Roots = append(tree.Roots, root)
		if err := b.split(tree, root, feats, b.depth); err != nil {
			return nil, err
		}
	}

	if err := ValidatePartTree(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (b *ProposalBuilder) split(tree *model.PartTree, idx int, feats []clusters.Coordinates, depth int) error {
	parent := tree.Nodes[idx]
	area := parent.Mask.Area()
	if depth <= 0 || area < 2*b.minArea {
		return nil
	}

	var pixels []int
	for i, v := range parent.Mask.Pix {
		if v != 0 {
			pixels = append(pixels, i)
		}
	}

	// 子采样后聚类，再把全部像素分配到最近的中心
	step := 1
	if len(pixels) > b.maxSamples {
		step = int(math.Ceil(float64(len(pixels)) / float64(b.maxSamples)))
	}
	dataset := make(clusters.Observations, 0, len(pixels)/step+1)
	for i := 0; i < len(pixels); i += step {
		dataset = append(dataset, feats[pixels[i]])
	}
	k := min(b.branching, len(dataset))
	if k < 2 {
		return nil
	}
	cc, err := kmeans.New().Partition(dataset, k)
	if err != nil {
		return fmt.Errorf("partition node %d of %s: %w", idx, tree.ImageID, err)
	}

	parts := make([]*model.Mask, len(cc))
	for i := range parts {
		parts[i] = model.NewMask(tree.W, tree.H)
	}
	for _, p := range pixels {
		parts[cc.Nearest(feats[p])].Pix[p] = 1
	}

	type part struct {
		mask  *model.Mask
		area  int
		first int
	}
	var children []part
	for _, m := range parts {
		a := m.Area()
		if a >= b.minArea && a < area {
			children = append(children, part{mask: m, area: a, first: slices.Index(m.Pix, 1)})
		}
	}
	// 面积降序，面积相同按首个像素位置，与聚类中心顺序无关
	slices.SortFunc(children, func(x, y part) int {
		if x.area != y.area {
			return y.area - x.area
		}
		return x.first - y.first
	})

	for _, c := range children {
		ci := len(tree.Nodes)
		tree.Nodes = append(tree.Nodes, model.PartNode{
			Index:       ci,
			Parent:      idx,
			Granularity: parent.Granularity * float64(c.area) / float64(area),
			Mask:        c.mask,
		})
		tree.Nodes[idx].Children = append(tree.Nodes[idx].Children, ci)
		if err := b.split(tree, ci, feats, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func pixelFeatures(entry *LoadedEntry, w, h int) []clusters.Coordinates {
	bounds := entry.Image.Bounds()
	feats := make([]clusters.Coordinates, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c, _ := colorful.MakeColor(entry.Image.At(bounds.Min.X+x, bounds.Min.Y+y))
			l, a, bb := c.Lab()
			feats[y*w+x] = clusters.Coordinates{
				l, a, bb,
				positionWeight * float64(x) / float64(w),
				positionWeight * float64(y) / float64(h),
			}
		}
	}
	return feats
}

// BuildProposalFile 为数据集全部图片生成提案并写入 out
func BuildProposalFile(ctx context.Context, ds *Dataset, b *ProposalBuilder, out string) (int, error) {
	utils.Logger.Warn("k-means initialisation is randomly seeded, part splits differ between runs",
		zap.Int("depth", b.depth),
		zap.Int("branching", b.branching),
		zap.Int("min_area", b.minArea))
	trees := make([]*model.PartTree, 0, ds.Len())
	nodes := 0
	for i := 0; i < ds.Len(); i++ {
		entry, err := ds.Load(i)
		if err != nil {
			return 0, err
		}
		tree, err := b.Build(ctx, entry)
		if err != nil {
			return 0, err
		}
		trees = append(trees, tree)
		nodes += len(tree.Nodes)
		if (i+1)%50 == 0 || i+1 == ds.Len() {
			utils.Logger.Info("proposals built",
				zap.Int("images", i+1),
				zap.Int("total", ds.Len()),
				zap.Int("nodes", nodes))
		}
	}
	if err := WriteProposalFile(out, trees); err != nil {
		return 0, err
	}
	return len(trees), nil
}
