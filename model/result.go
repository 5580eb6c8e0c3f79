package model

// SegmentationResult 导出的分割结果，按图片 MD5 缓存
type SegmentationResult struct {
	MD5         string  `json:"md5"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Granularity float64 `json:"granularity"`
	Clicks      []Click `json:"clicks"`
	BoundingBox BBox    `json:"bounding_box"`
	Mask        string  `json:"mask"` // base64编码的mask数据
	Confidence  float64 `json:"confidence"`
	Timestamp   int64   `json:"timestamp"`
}

// BBox 边界框
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionState 会话对外状态
type SessionState struct {
	ID          string  `json:"id"`
	MD5         string  `json:"md5"`
	State       string  `json:"state"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Granularity float64 `json:"granularity"`
	Clicks      []Click `json:"clicks"`
	BoundingBox BBox    `json:"bounding_box"`
	Mask        string  `json:"mask"`
	Area        int     `json:"area"`
}

// SessionResponse 会话接口响应
type SessionResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    *SessionState `json:"data,omitempty"`
}

// ResultResponse 结果查询响应
type ResultResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    *SegmentationResult `json:"data,omitempty"`
}

// ResultListResponse 同一图片多个粒度的结果
type ResultListResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Data    []*SegmentationResult `json:"data"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ClickRequest 点击请求
type ClickRequest struct {
	X        int  `json:"x"`
	Y        int  `json:"y"`
	Positive bool `json:"positive"`
}

// GranularityRequest 粒度调整请求
type GranularityRequest struct {
	Value float64 `json:"value"`
}
