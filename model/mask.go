package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Mask 二值掩码，Pix 按行存储，取值 0 或 1
type Mask struct {
	W, H int
	Pix  []uint8
}

// NewMask 创建全零掩码
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Pix: make([]uint8, w*h)}
}

// MaskFromImage 将灰度图转换为掩码，大于 threshold 的像素视为前景
func MaskFromImage(img image.Image, threshold uint8) *Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			if g.Y > threshold {
				m.Pix[y*m.W+x] = 1
			}
		}
	}
	return m
}

func (m *Mask) offset(x, y int) int {
	return y*m.W + x
}

func (m *Mask) In(x, y int) bool {
	return x >= 0 && x < m.W && y >= 0 && y < m.H
}

func (m *Mask) At(x, y int) bool {
	return m.Pix[m.offset(x, y)] != 0
}

func (m *Mask) Set(x, y int, v bool) {
	if v {
		m.Pix[m.offset(x, y)] = 1
	} else {
		m.Pix[m.offset(x, y)] = 0
	}
}

func (m *Mask) SameShape(o *Mask) bool {
	return o != nil && m.W == o.W && m.H == o.H
}

// Area 前景像素数
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func (m *Mask) Empty() bool {
	for _, v := range m.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

func (m *Mask) Clone() *Mask {
	pix := make([]uint8, len(m.Pix))
	copy(pix, m.Pix)
	return &Mask{W: m.W, H: m.H, Pix: pix}
}

func (m *Mask) Equal(o *Mask) bool {
	if !m.SameShape(o) {
		return false
	}
	for i := range m.Pix {
		if (m.Pix[i] != 0) != (o.Pix[i] != 0) {
			return false
		}
	}
	return true
}

// IsSubsetOf 判断 m 是否为 o 的子集
func (m *Mask) IsSubsetOf(o *Mask) bool {
	if !m.SameShape(o) {
		return false
	}
	for i := range m.Pix {
		if m.Pix[i] != 0 && o.Pix[i] == 0 {
			return false
		}
	}
	return true
}

// IsStrictSubsetOf 判断 m 是否为 o 的真子集
func (m *Mask) IsStrictSubsetOf(o *Mask) bool {
	return m.IsSubsetOf(o) && m.Area() < o.Area()
}

func (m *Mask) combine(o *Mask, op func(a, b bool) bool) *Mask {
	out := NewMask(m.W, m.H)
	for i := range m.Pix {
		if op(m.Pix[i] != 0, o.Pix[i] != 0) {
			out.Pix[i] = 1
		}
	}
	return out
}

func (m *Mask) Intersect(o *Mask) *Mask {
	return m.combine(o, func(a, b bool) bool { return a && b })
}

func (m *Mask) Union(o *Mask) *Mask {
	return m.combine(o, func(a, b bool) bool { return a || b })
}

// Subtract 返回 m 中不属于 o 的部分
func (m *Mask) Subtract(o *Mask) *Mask {
	return m.combine(o, func(a, b bool) bool { return a && !b })
}

// IoU 交并比，两个空掩码视为完全一致
func (m *Mask) IoU(o *Mask) float64 {
	inter, union := 0, 0
	for i := range m.Pix {
		a, b := m.Pix[i] != 0, o.Pix[i] != 0
		if a && b {
			inter++
		}
		if a || b {
			union++
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// BoundingBox 前景外接矩形
func (m *Mask) BoundingBox() BBox {
	minX, minY, maxX, maxY := m.W, m.H, -1, -1
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.Pix[m.offset(x, y)] == 0 {
				continue
			}
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return BBox{}
	}
	return BBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
}

func (m *Mask) ToGray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.W, m.H))
	for i, v := range m.Pix {
		if v != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

// ToProb 转换为概率图
func (m *Mask) ToProb() *ProbMap {
	p := NewProbMap(m.W, m.H)
	for i, v := range m.Pix {
		if v != 0 {
			p.Pix[i] = 1
		}
	}
	return p
}

// EncodeBase64PNG 将掩码编码为 Base64 PNG
func (m *Mask) EncodeBase64PNG() (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m.ToGray()); err != nil {
		return "", fmt.Errorf("failed to encode mask: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBase64PNG 从 Base64 PNG 解码掩码
func DecodeBase64PNG(s string) (*Mask, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 mask: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode png mask: %w", err)
	}
	return MaskFromImage(img, 127), nil
}

// ProbMap 概率图，取值 [0,1]
type ProbMap struct {
	W, H int
	Pix  []float64
}

func NewProbMap(w, h int) *ProbMap {
	return &ProbMap{W: w, H: h, Pix: make([]float64, w*h)}
}

func (p *ProbMap) At(x, y int) float64 {
	return p.Pix[y*p.W+x]
}

// Binarize 阈值化为掩码，大于 threshold 的像素为前景
func (p *ProbMap) Binarize(threshold float64) *Mask {
	m := NewMask(p.W, p.H)
	for i, v := range p.Pix {
		if v > threshold {
			m.Pix[i] = 1
		}
	}
	return m
}

func (p *ProbMap) Clone() *ProbMap {
	pix := make([]float64, len(p.Pix))
	copy(pix, p.Pix)
	return &ProbMap{W: p.W, H: p.H, Pix: pix}
}
