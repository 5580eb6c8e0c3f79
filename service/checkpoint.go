package service

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/TIANLI0/GranSeg/model"
	"gonum.org/v1/gonum/mat"
)

const (
	CheckpointBase    = "base"
	CheckpointAdapter = "adapter"
)

// Checkpoint 参数文件格式
type Checkpoint struct {
	Kind   string                `json:"kind"`
	Step   int                   `json:"step,omitempty"`
	Layers map[string]LayerValue `json:"layers"`
}

type LayerValue struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// SaveCheckpoint 保存参数到 JSON 文件
func SaveCheckpoint(path, kind string, step int, params Params) error {
	ck := Checkpoint{Kind: kind, Step: step, Layers: make(map[string]LayerValue, len(params))}
	for _, name := range params.Names() {
		m := params[name]
		r, c := m.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, mat.Row(nil, i, m)...)
		}
		ck.Layers[name] = LayerValue{Rows: r, Cols: c, Data: data}
	}

	data, err := json.MarshalIndent(&ck, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint 读取参数文件，kind 非空时校验类型
func LoadCheckpoint(path, kind string) (Params, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, 0, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	if kind != "" && ck.Kind != kind {
		return nil, 0, fmt.Errorf("checkpoint %s is %q, want %q", path, ck.Kind, kind)
	}

	params, err := ck.Params()
	if err != nil {
		return nil, 0, err
	}
	return params, ck.Step, nil
}

// Params 转换为参数矩阵并校验每层数据长度
func (ck *Checkpoint) Params() (Params, error) {
	params := make(Params, len(ck.Layers))
	for name, lv := range ck.Layers {
		if lv.Rows <= 0 || lv.Cols <= 0 || len(lv.Data) != lv.Rows*lv.Cols {
			return nil, &model.AdapterLoadError{
				Layer: name,
				Err:   fmt.Errorf("declared %dx%d with %d values", lv.Rows, lv.Cols, len(lv.Data)),
			}
		}
		params[name] = mat.NewDense(lv.Rows, lv.Cols, lv.Data)
	}
	return params, nil
}
