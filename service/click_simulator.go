package service

import (
	"context"
	"math"
	"math/rand"
	"slices"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
)

// Predictor 根据当前点击序列给出预测掩码，用于迭代模拟
type Predictor func(ctx context.Context, clicks model.ClickSequence) (*model.Mask, error)

// ClickSimulator 根据真值掩码与预测误差生成下一次点击
type ClickSimulator struct {
	maxClicks int
	targetIoU float64
	jitter    float64
}

func NewClickSimulator(cfg *config.SimulatorConfig) *ClickSimulator {
	return &ClickSimulator{
		maxClicks: cfg.MaxClicks,
		targetIoU: cfg.TargetIoU,
		jitter:    max(0, min(1, cfg.Jitter)),
	}
}

type errorComponent struct {
	pixels   []int
	positive bool
}

var (
	dx4 = []int{-1, 0, 1, 0}
	dy4 = []int{0, -1, 0, 1}
)

// Simulate 在误差区域中选取最靠内部的像素作为下一次点击。
// 误差区域为空、预测已达到目标 IoU、点击数已满或候选像素都已被点击过时返回 ok=false。
func (cs *ClickSimulator) Simulate(gt, pred *model.Mask, history model.ClickSequence, seed int64) (model.Click, bool) {
	if pred == nil {
		pred = model.NewMask(gt.W, gt.H)
	}
	if (cs.maxClicks > 0 && history.Len() >= cs.maxClicks) || (history.Max > 0 && history.Len() >= history.Max) {
		return model.Click{}, false
	}
	if cs.targetIoU > 0 && pred.IoU(gt) >= cs.targetIoU {
		return model.Click{}, false
	}
	comps := errorComponents(gt, pred)
	if len(comps) == 0 {
		return model.Click{}, false
	}

	for _, comp := range comps {
		x, y, ok := cs.pickCenter(comp, gt.W, history, seed)
		if !ok {
			continue
		}
		return model.Click{X: x, Y: y, Positive: comp.positive, Order: history.NextOrder()}, true
	}
	return model.Click{}, false
}

// SimulateSequence 从空预测开始迭代点击，直到达到目标 IoU、点击上限或无法继续
func (cs *ClickSimulator) SimulateSequence(ctx context.Context, gt *model.Mask, predict Predictor, maxClicks int, seed int64) (model.ClickSequence, float64, error) {
	if maxClicks <= 0 || (cs.maxClicks > 0 && maxClicks > cs.maxClicks) {
		maxClicks = cs.maxClicks
	}
	seq := model.NewClickSequence(maxClicks)
	pred := model.NewMask(gt.W, gt.H)

	for {
		if err := ctx.Err(); err != nil {
			return seq, pred.IoU(gt), err
		}
		iou := pred.IoU(gt)
		if cs.targetIoU > 0 && iou >= cs.targetIoU && seq.Len() > 0 {
			return seq, iou, nil
		}
		if seq.Max > 0 && seq.Len() >= seq.Max {
			return seq, iou, nil
		}
		c, ok := cs.Simulate(gt, pred, seq, seed)
		if !ok {
			return seq, iou, nil
		}
		if err := seq.Append(c); err != nil {
			return seq, iou, err
		}
		next, err := predict(ctx, seq)
		if err != nil {
			return seq, iou, err
		}
		pred = next
	}
}

// pickCenter 取到分量边界距离最大的像素，距离相同时按 (x, y) 字典序
func (cs *ClickSimulator) pickCenter(comp errorComponent, w int, history model.ClickSequence, seed int64) (int, int, bool) {
	dist := componentDistances(comp.pixels, w)

	best := -1
	bestD := -1.0
	for i, p := range comp.pixels {
		x, y := p%w, p/w
		if history.Contains(x, y) {
			continue
		}
		d := dist[i]
		if d > bestD || (d == bestD && lessXY(x, y, comp.pixels[best]%w, comp.pixels[best]/w)) {
			bestD = d
			best = i
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	if cs.jitter == 0 {
		p := comp.pixels[best]
		return p % w, p / w, true
	}

	// 在距离不小于 (1-jitter)*max 的像素中按种子均匀选取
	limit := (1 - cs.jitter) * math.Sqrt(bestD)
	var cands []int
	for i, p := range comp.pixels {
		if history.Contains(p%w, p/w) {
			continue
		}
		if math.Sqrt(dist[i]) >= limit {
			cands = append(cands, p)
		}
	}
	slices.SortFunc(cands, func(a, b int) int {
		ax, ay, bx, by := a%w, a/w, b%w, b/w
		if ax != bx {
			return ax - bx
		}
		return ay - by
	})
	rng := rand.New(rand.NewSource(seed + int64(history.Len())))
	p := cands[rng.Intn(len(cands))]
	return p % w, p / w, true
}

func lessXY(x1, y1, x2, y2 int) bool {
	if x1 != x2 {
		return x1 < x2
	}
	return y1 < y2
}

// errorComponents 误差区域的 4 连通分量，按面积降序、漏检优先、首像素位置排序
func errorComponents(gt, pred *model.Mask) []errorComponent {
	w, h := gt.W, gt.H
	// 0: 无误差, 1: 漏检(FN), 2: 误检(FP)
	kind := make([]uint8, w*h)
	for i := range kind {
		g, p := gt.Pix[i] != 0, pred.Pix[i] != 0
		switch {
		case g && !p:
			kind[i] = 1
		case p && !g:
			kind[i] = 2
		}
	}

	visited := make([]bool, w*h)
	var comps []errorComponent
	for start := range kind {
		if kind[start] == 0 || visited[start] {
			continue
		}
		k := kind[start]
		elems := make([]int, 1, 64)
		elems[0] = start
		visited[start] = true
		for c := 0; c < len(elems); c++ {
			cur := elems[c]
			cx, cy := cur%w, cur/w
			for d := 0; d < 4; d++ {
				nx, ny := cx+dx4[d], cy+dy4[d]
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				nIdx := ny*w + nx
				if !visited[nIdx] && kind[nIdx] == k {
					visited[nIdx] = true
					elems = append(elems, nIdx)
				}
			}
		}
		slices.Sort(elems)
		comps = append(comps, errorComponent{pixels: elems, positive: k == 1})
	}

	slices.SortStableFunc(comps, func(a, b errorComponent) int {
		if len(a.pixels) != len(b.pixels) {
			return len(b.pixels) - len(a.pixels)
		}
		if a.positive != b.positive {
			if a.positive {
				return -1
			}
			return 1
		}
		return a.pixels[0] - b.pixels[0]
	})
	return comps
}

// componentDistances 分量内每个像素到最近非分量像素的平方欧氏距离，图像边界外视为非分量
func componentDistances(pixels []int, w int) []float64 {
	minX, minY, maxX, maxY := math.MaxInt, math.MaxInt, -1, -1
	for _, p := range pixels {
		x, y := p%w, p/w
		minX, minY = min(minX, x), min(minY, y)
		maxX, maxY = max(maxX, x), max(maxY, y)
	}
	// 外扩一圈作为边界
	bw := maxX - minX + 3
	bh := maxY - minY + 3
	grid := make([]float64, bw*bh)
	for _, p := range pixels {
		x, y := p%w-minX+1, p/w-minY+1
		grid[y*bw+x] = edtInf
	}
	edt2D(grid, bw, bh)

	out := make([]float64, len(pixels))
	for i, p := range pixels {
		x, y := p%w-minX+1, p/w-minY+1
		out[i] = grid[y*bw+x]
	}
	return out
}

const edtInf = 1e20

// edt2D 可分离精确欧氏距离变换（Felzenszwalb-Huttenlocher），原地写入平方距离
func edt2D(grid []float64, w, h int) {
	n := max(w, h)
	f := make([]float64, n)
	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			f[y] = grid[y*w+x]
		}
		edt1D(f[:h], d[:h], v, z)
		for y := 0; y < h; y++ {
			grid[y*w+x] = d[y]
		}
	}
	for y := 0; y < h; y++ {
		row := grid[y*w : (y+1)*w]
		copy(f[:w], row)
		edt1D(f[:w], d[:w], v, z)
		copy(row, d[:w])
	}
}

func edt1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	for q := 1; q < n; q++ {
		fq := f[q] + float64(q*q)
		s := (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		for s <= z[k] {
			k--
			s = (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

// DiskPredictor 纯几何预测：正点击处画圆并入，负点击处画圆挖去
func DiskPredictor(w, h, radius int) Predictor {
	r2 := radius * radius
	return func(_ context.Context, clicks model.ClickSequence) (*model.Mask, error) {
		m := model.NewMask(w, h)
		for _, c := range clicks.Clicks {
			for y := max(0, c.Y-radius); y <= min(h-1, c.Y+radius); y++ {
				for x := max(0, c.X-radius); x <= min(w-1, c.X+radius); x++ {
					dx, dy := x-c.X, y-c.Y
					if dx*dx+dy*dy <= r2 {
						m.Set(x, y, c.Positive)
					}
				}
			}
		}
		return m, nil
	}
}
