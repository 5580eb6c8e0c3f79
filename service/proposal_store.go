package service

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

const proposalFileVersion = 1

// ProposalFile 提案库文件格式
type ProposalFile struct {
	Version int             `json:"version"`
	Images  []ProposalImage `json:"images"`
}

type ProposalImage struct {
	ImageID string         `json:"image_id"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Nodes   []ProposalNode `json:"nodes"`
}

type ProposalNode struct {
	ID          int     `json:"id"`
	Parent      int     `json:"parent"`
	Granularity float64 `json:"granularity"`
	Mask        string  `json:"mask"` // base64编码的PNG
}

// ProposalStore 只读的部件层级库，加载后不再修改，可被多个 worker 并发查询
type ProposalStore struct {
	trees     map[string]*model.PartTree
	tolerance float64
	fallbacks atomic.Int64
	misses    atomic.Int64
}

// NewProposalStore 由内存中的树构建提案库，树需已通过校验
func NewProposalStore(trees []*model.PartTree, tolerance float64) *ProposalStore {
	s := &ProposalStore{
		trees:     make(map[string]*model.PartTree, len(trees)),
		tolerance: tolerance,
	}
	for _, t := range trees {
		s.trees[t.ImageID] = t
	}
	return s
}

// LoadProposalStore 从文件加载提案库，路径以 .gz 结尾时按 gzip 解压
func LoadProposalStore(path string, tolerance float64) (*ProposalStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &model.ProposalLoadError{Path: path, Node: -1, Reason: "open failed", Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &model.ProposalLoadError{Path: path, Node: -1, Reason: "gzip header", Err: err}
		}
		defer gz.Close()
		r = gz
	}

	var file ProposalFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, &model.ProposalLoadError{Path: path, Node: -1, Reason: "malformed json", Err: err}
	}
	if file.Version != proposalFileVersion {
		return nil, &model.ProposalLoadError{Path: path, Node: -1,
			Reason: fmt.Sprintf("unsupported version %d", file.Version)}
	}

	trees := make([]*model.PartTree, 0, len(file.Images))
	seen := make(map[string]bool, len(file.Images))
	for _, img := range file.Images {
		if seen[img.ImageID] {
			return nil, &model.ProposalLoadError{Path: path, ImageID: img.ImageID, Node: -1, Reason: "duplicate image id"}
		}
		seen[img.ImageID] = true

		tree, err := BuildPartTree(img)
		if err != nil {
			var le *model.ProposalLoadError
			if errors.As(err, &le) {
				le.Path = path
			}
			return nil, err
		}
		trees = append(trees, tree)
	}

	utils.Logger.Info("proposal store loaded",
		zap.String("path", path),
		zap.Int("images", len(trees)),
		zap.Float64("tolerance", tolerance))

	return NewProposalStore(trees, tolerance), nil
}

// BuildPartTree 解码并校验一张图片的部件层级
func BuildPartTree(img ProposalImage) (*model.PartTree, error) {
	fail := func(node int, reason string, err error) error {
		return &model.ProposalLoadError{ImageID: img.ImageID, Node: node, Reason: reason, Err: err}
	}

	if img.ImageID == "" {
		return nil, fail(-1, "missing image id", nil)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fail(-1, fmt.Sprintf("invalid image size %dx%d", img.Width, img.Height), nil)
	}
	if len(img.Nodes) == 0 {
		return nil, fail(-1, "no nodes", nil)
	}

	n := len(img.Nodes)
	tree := &model.PartTree{
		ImageID: img.ImageID,
		W:       img.Width,
		H:       img.Height,
		Nodes:   make([]model.PartNode, n),
	}

	for i, pn := range img.Nodes {
		if pn.ID != i {
			return nil, fail(i, fmt.Sprintf("node id %d out of order", pn.ID), nil)
		}
		if pn.Parent < -1 || pn.Parent >= n || pn.Parent == i {
			return nil, fail(i, fmt.Sprintf("invalid parent %d", pn.Parent), nil)
		}
		if math.IsNaN(pn.Granularity) || pn.Granularity < 0 || pn.Granularity > 1 {
			return nil, fail(i, fmt.Sprintf("granularity %v outside [0,1]", pn.Granularity), nil)
		}
		mask, err := model.DecodeBase64PNG(pn.Mask)
		if err != nil {
			return nil, fail(i, "undecodable mask", err)
		}
		if mask.W != img.Width || mask.H != img.Height {
			return nil, fail(i, fmt.Sprintf("mask shape %dx%d does not match image %dx%d",
				mask.W, mask.H, img.Width, img.Height), nil)
		}
		tree.Nodes[i] = model.PartNode{
			Index:       i,
			Parent:      pn.Parent,
			Granularity: pn.Granularity,
			Mask:        mask,
		}
	}

	if err := linkPartTree(tree); err != nil {
		return nil, err
	}
	if err := ValidatePartTree(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// linkPartTree 填充 Children 和 Roots，并检测父引用成环
func linkPartTree(tree *model.PartTree) error {
	n := len(tree.Nodes)
	for i := range tree.Nodes {
		// 沿父链最多走 n 步，超过即成环
		steps := 0
		for p := tree.Nodes[i].Parent; p >= 0; p = tree.Nodes[p].Parent {
			steps++
			if steps > n {
				return &model.ProposalLoadError{ImageID: tree.ImageID, Node: i, Reason: "cyclic parent reference"}
			}
		}
	}
	for i := range tree.Nodes {
		p := tree.Nodes[i].Parent
		if p < 0 {
			tree.Roots = append(tree.Roots, i)
			continue
		}
		tree.Nodes[p].Children = append(tree.Nodes[p].Children, i)
	}
	return nil
}

// ValidatePartTree 校验嵌套不变式：子掩码为父掩码真子集，粒度严格小于父节点，根粒度为 1
func ValidatePartTree(tree *model.PartTree) error {
	fail := func(node int, reason string) error {
		return &model.ProposalLoadError{ImageID: tree.ImageID, Node: node, Reason: reason}
	}
	if len(tree.Roots) == 0 {
		return fail(-1, "no root node")
	}
	for i := range tree.Nodes {
		node := &tree.Nodes[i]
		if node.Mask == nil || node.Mask.W != tree.W || node.Mask.H != tree.H {
			return fail(i, "mask shape mismatch")
		}
		if node.IsRoot() {
			if node.Granularity != 1.0 {
				return fail(i, fmt.Sprintf("root granularity %v, want 1.0", node.Granularity))
			}
			if node.Mask.Empty() {
				return fail(i, "empty instance mask")
			}
			continue
		}
		parent := &tree.Nodes[node.Parent]
		if !node.Mask.IsStrictSubsetOf(parent.Mask) {
			return fail(i, fmt.Sprintf("mask is not a strict subset of parent %d", node.Parent))
		}
		if node.Granularity >= parent.Granularity {
			return fail(i, fmt.Sprintf("granularity %v not below parent %v", node.Granularity, parent.Granularity))
		}
	}
	return nil
}

// Lookup 查询第 0 个实例在给定粒度下的目标节点
func (s *ProposalStore) Lookup(imageID string, granularity float64) (*model.PartNode, error) {
	return s.LookupInstance(imageID, 0, granularity)
}

// LookupInstance 从根向叶单调搜索粒度不超过请求值的最近节点；
// 超出容差或不存在时返回实例根节点并记录一次回退
func (s *ProposalStore) LookupInstance(imageID string, instance int, granularity float64) (*model.PartNode, error) {
	tree, ok := s.trees[imageID]
	if !ok {
		s.misses.Add(1)
		return nil, &model.ProposalNotFoundError{ImageID: imageID, Instance: instance}
	}
	root, ok := tree.Root(instance)
	if !ok {
		s.misses.Add(1)
		return nil, &model.ProposalNotFoundError{ImageID: imageID, Instance: instance}
	}

	g := model.ClampGranularity(granularity)
	found := searchPartTree(tree, root.Index, g)
	if found < 0 || g-tree.Nodes[found].Granularity > s.tolerance {
		s.fallbacks.Add(1)
		return root, nil
	}
	return &tree.Nodes[found], nil
}

// searchPartTree 单条根到叶路径：记录见过的不超过 g 的最大粒度节点，
// 同时沿粒度仍大于 g 的最大子节点继续下降，到叶为止
func searchPartTree(tree *model.PartTree, start int, g float64) int {
	if tree.Nodes[start].Granularity <= g {
		return start
	}
	best := -1
	cur := start
	for {
		next := -1
		for _, c := range tree.Nodes[cur].Children {
			cg := tree.Nodes[c].Granularity
			if cg <= g {
				if best < 0 || cg > tree.Nodes[best].Granularity {
					best = c
				}
			} else if next < 0 || cg > tree.Nodes[next].Granularity {
				next = c
			}
		}
		if next < 0 || (best >= 0 && tree.Nodes[best].Granularity == g) {
			return best
		}
		cur = next
	}
}

// Tree 返回图片的部件树
func (s *ProposalStore) Tree(imageID string) (*model.PartTree, bool) {
	t, ok := s.trees[imageID]
	return t, ok
}

func (s *ProposalStore) Len() int {
	return len(s.trees)
}

// FallbackCount 回退到实例根节点的次数
func (s *ProposalStore) FallbackCount() int64 {
	return s.fallbacks.Load()
}

// MissCount 未找到提案的查询次数
func (s *ProposalStore) MissCount() int64 {
	return s.misses.Load()
}

// EncodeProposalImage 将部件树编码为文件条目
func EncodeProposalImage(tree *model.PartTree) (ProposalImage, error) {
	out := ProposalImage{
		ImageID: tree.ImageID,
		Width:   tree.W,
		Height:  tree.H,
		Nodes:   make([]ProposalNode, len(tree.Nodes)),
	}
	for i, n := range tree.Nodes {
		enc, err := n.Mask.EncodeBase64PNG()
		if err != nil {
			return ProposalImage{}, err
		}
		out.Nodes[i] = ProposalNode{ID: i, Parent: n.Parent, Granularity: n.Granularity, Mask: enc}
	}
	return out, nil
}

// WriteProposalFile 写出提案库文件，路径以 .gz 结尾时 gzip 压缩
func WriteProposalFile(path string, trees []*model.PartTree) error {
	file := ProposalFile{Version: proposalFileVersion, Images: make([]ProposalImage, 0, len(trees))}
	for _, t := range trees {
		img, err := EncodeProposalImage(t)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", t.ImageID, err)
		}
		file.Images = append(file.Images, img)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(path, ".gz") {
		if err := json.NewEncoder(f).Encode(&file); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(&file); err != nil {
		gz.Close()
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
