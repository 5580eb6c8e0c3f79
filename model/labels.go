package model

import (
	"image"
	"image/color"
	"slices"
)

// LabelMap 标签图，像素值为类别/实例 ID，0 为背景
type LabelMap struct {
	W, H int
	Pix  []uint16
}

func NewLabelMap(w, h int) *LabelMap {
	return &LabelMap{W: w, H: h, Pix: make([]uint16, w*h)}
}

// LabelMapFromImage 调色板图取索引，灰度图取灰度值
func LabelMapFromImage(img image.Image) *LabelMap {
	b := img.Bounds()
	l := NewLabelMap(b.Dx(), b.Dy())
	for y := 0; y < l.H; y++ {
		for x := 0; x < l.W; x++ {
			px, py := b.Min.X+x, b.Min.Y+y
			var v uint16
			switch src := img.(type) {
			case *image.Paletted:
				v = uint16(src.ColorIndexAt(px, py))
			case *image.Gray:
				v = uint16(src.GrayAt(px, py).Y)
			case *image.Gray16:
				v = src.Gray16At(px, py).Y
			default:
				v = uint16(color.GrayModel.Convert(img.At(px, py)).(color.Gray).Y)
			}
			l.Pix[y*l.W+x] = v
		}
	}
	return l
}

// ExtractClasses 去重排序后的非零 ID
func ExtractClasses(l *LabelMap) []int {
	seen := make(map[uint16]bool)
	var out []int
	for _, v := range l.Pix {
		if v == 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, int(v))
	}
	slices.Sort(out)
	return out
}

// FilterClasses 只保留 keep 中的 ID，其余置为背景
func FilterClasses(l *LabelMap, keep []int) *LabelMap {
	set := make(map[uint16]bool, len(keep))
	for _, k := range keep {
		set[uint16(k)] = true
	}
	out := NewLabelMap(l.W, l.H)
	for i, v := range l.Pix {
		if set[v] {
			out.Pix[i] = v
		}
	}
	return out
}

// ExtractInstance 某个 ID 的二值掩码
func ExtractInstance(l *LabelMap, id int) *Mask {
	m := NewMask(l.W, l.H)
	for i, v := range l.Pix {
		if int(v) == id {
			m.Pix[i] = 1
		}
	}
	return m
}

// ToImage ID 不超过 255 时输出 8 位灰度，否则 16 位
func (l *LabelMap) ToImage() image.Image {
	maxID := uint16(0)
	for _, v := range l.Pix {
		maxID = max(maxID, v)
	}
	r := image.Rect(0, 0, l.W, l.H)
	if maxID <= 255 {
		img := image.NewGray(r)
		for i, v := range l.Pix {
			img.Pix[i] = uint8(v)
		}
		return img
	}
	img := image.NewGray16(r)
	for y := 0; y < l.H; y++ {
		for x := 0; x < l.W; x++ {
			img.SetGray16(x, y, color.Gray16{Y: l.Pix[y*l.W+x]})
		}
	}
	return img
}
