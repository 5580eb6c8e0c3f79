package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DecodeImage 解码上传的图片，长边超过 maxSize 时等比缩放；返回缩放比例
func DecodeImage(data []byte, maxSize int) (image.Image, float64, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, 0, fmt.Errorf("failed to decode image")
	}

	scaled, scale := smartResize(&img, maxSize)
	defer scaled.Close()

	out, err := scaled.ToImage()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to convert image: %w", err)
	}
	return out, scale, nil
}

// smartResize 缩放图像以适应最大尺寸
func smartResize(img *gocv.Mat, maxSize int) (gocv.Mat, float64) {
	width := img.Cols()
	height := img.Rows()
	maxDim := max(width, height)
	if maxSize <= 0 || maxDim <= maxSize {
		return img.Clone(), 1.0
	}

	scale := float64(maxSize) / float64(maxDim)
	newWidth := max(1, int(float64(width)*scale))
	newHeight := max(1, int(float64(height)*scale))

	resized := gocv.NewMat()
	gocv.Resize(*img, &resized, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationArea)

	return resized, scale
}
