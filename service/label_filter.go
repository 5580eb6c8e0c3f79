package service

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

// FilterResult 类别筛选结果
type FilterResult struct {
	Source  string
	Output  string
	Classes []int
	Kept    []int
}

// EditedPath 默认输出路径 <base>_edited.png
func EditedPath(src string) string {
	dir := filepath.Dir(src)
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(dir, base+"_edited.png")
}

// FilterLabelFile 读取标签图，只保留 keep 中的类别并保存；keep 为空时保留全部
func FilterLabelFile(src string, keep []int, out string) (*FilterResult, error) {
	img, err := utils.ReadImage(src)
	if err != nil {
		return nil, err
	}
	labels := model.LabelMapFromImage(img)
	classes := model.ExtractClasses(labels)
	utils.Logger.Info("label map loaded",
		zap.String("path", src),
		zap.Int("width", labels.W),
		zap.Int("height", labels.H),
		zap.Ints("classes", classes))

	if len(keep) == 0 {
		keep = classes
	}
	present := make(map[int]bool, len(classes))
	for _, c := range classes {
		present[c] = true
	}
	var kept []int
	for _, k := range keep {
		if !present[k] {
			return nil, fmt.Errorf("class %d not present in %s (have %v)", k, src, classes)
		}
		kept = append(kept, k)
	}

	if out == "" {
		out = EditedPath(src)
	}
	if err := utils.SaveImage(model.FilterClasses(labels, kept).ToImage(), out); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", out, err)
	}
	utils.Logger.Info("label map saved", zap.String("path", out), zap.Ints("kept", kept))
	return &FilterResult{Source: src, Output: out, Classes: classes, Kept: kept}, nil
}
