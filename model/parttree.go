package model

import "math"

// PartNode 部件层级中的一个节点，Parent 为 -1 表示实例根节点
type PartNode struct {
	Index       int
	Parent      int
	Children    []int
	Granularity float64
	Mask        *Mask
}

func (n *PartNode) IsRoot() bool {
	return n.Parent < 0
}

// PartTree 单张图片的部件森林，节点平铺存储，通过下标引用父子关系
type PartTree struct {
	ImageID string
	W, H    int
	Nodes   []PartNode
	Roots   []int
}

func (t *PartTree) Node(i int) *PartNode {
	return &t.Nodes[i]
}

// Root 第 instance 个实例的根节点
func (t *PartTree) Root(instance int) (*PartNode, bool) {
	if instance < 0 || instance >= len(t.Roots) {
		return nil, false
	}
	return &t.Nodes[t.Roots[instance]], true
}

func (t *PartTree) NumInstances() int {
	return len(t.Roots)
}

// Depth 节点深度，根为 0
func (t *PartTree) Depth(i int) int {
	d := 0
	for p := t.Nodes[i].Parent; p >= 0; p = t.Nodes[p].Parent {
		d++
	}
	return d
}

// ClampGranularity 将粒度限制在 [0,1]，NaN 视为 1
func ClampGranularity(g float64) float64 {
	if math.IsNaN(g) {
		return 1
	}
	return max(0, min(1, g))
}
