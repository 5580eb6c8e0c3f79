package vision

import (
	"fmt"
	"image"
	"image/color"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"gocv.io/x/gocv"
)

// MaskRefiner 展示用掩码后处理：形态学开闭运算，可选只保留最大连通区域
type MaskRefiner struct {
	kernelSize  int
	keepLargest bool
}

func NewMaskRefiner(cfg *config.RefineConfig) *MaskRefiner {
	return &MaskRefiner{
		kernelSize:  max(1, cfg.KernelSize),
		keepLargest: cfg.KeepLargest,
	}
}

// Refine 返回处理后的新掩码，输入不变
func (r *MaskRefiner) Refine(m *model.Mask) (*model.Mask, error) {
	if m.Empty() {
		return m.Clone(), nil
	}
	src, err := toMat(m)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	refined := r.morphologyOptimize(&src)
	defer refined.Close()

	if r.keepLargest {
		largest := keepLargest(&refined)
		defer largest.Close()
		return fromMat(&largest, m.W, m.H)
	}
	return fromMat(&refined, m.W, m.H)
}

// morphologyOptimize 开运算去噪点，闭运算补小洞
func (r *MaskRefiner) morphologyOptimize(mask *gocv.Mat) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: r.kernelSize, Y: r.kernelSize})
	defer kernel.Close()

	opened := gocv.NewMat()
	gocv.MorphologyEx(*mask, &opened, gocv.MorphOpen, kernel)

	closed := gocv.NewMat()
	gocv.MorphologyEx(opened, &closed, gocv.MorphClose, kernel)
	opened.Close()

	return closed
}

// keepLargest 保留掩码中最大的连通区域
func keepLargest(mask *gocv.Mat) gocv.Mat {
	contours := gocv.FindContours(*mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return mask.Clone()
	}

	maxArea := 0.0
	maxIndex := 0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > maxArea {
			maxArea = area
			maxIndex = i
		}
	}

	newMask := gocv.Zeros(mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.DrawContours(&newMask, contours, maxIndex, white, -1)

	// 外轮廓填充会盖住洞，与原掩码取交
	out := gocv.NewMat()
	gocv.BitwiseAnd(newMask, *mask, &out)
	newMask.Close()
	return out
}

func toMat(m *model.Mask) (gocv.Mat, error) {
	data := make([]byte, len(m.Pix))
	for i, v := range m.Pix {
		if v != 0 {
			data[i] = 255
		}
	}
	mat, err := gocv.NewMatFromBytes(m.H, m.W, gocv.MatTypeCV8U, data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to create mat: %w", err)
	}
	return mat, nil
}

func fromMat(mat *gocv.Mat, w, h int) (*model.Mask, error) {
	if mat.Cols() != w || mat.Rows() != h {
		return nil, fmt.Errorf("refined mask is %dx%d, want %dx%d", mat.Cols(), mat.Rows(), w, h)
	}
	data := mat.ToBytes()
	out := model.NewMask(w, h)
	for i := range out.Pix {
		if data[i] > 127 {
			out.Pix[i] = 1
		}
	}
	return out, nil
}
