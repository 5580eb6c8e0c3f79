package service

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

// SessionPhase 会话状态：Idle，或 Active 下的 AwaitingInput / Recomputing
type SessionPhase int

const (
	PhaseIdle SessionPhase = iota
	PhaseAwaitingInput
	PhaseRecomputing
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseAwaitingInput:
		return "awaiting_input"
	case PhaseRecomputing:
		return "recomputing"
	default:
		return "idle"
	}
}

func (p SessionPhase) Active() bool {
	return p != PhaseIdle
}

// SegModel 推理所需的模型组件
type SegModel struct {
	Backbone Backbone
	Decoder  Decoder
	Ctrl     *GranularityController
	Adapter  Params
}

// SessionSnapshot 会话某一时刻的只读快照
type SessionSnapshot struct {
	ID          string
	ImageID     string
	Phase       SessionPhase
	W, H        int
	Granularity float64
	Clicks      model.ClickSequence
	Mask        *model.Mask
	Raster      *model.ProbMap
}

// Session 单张图片的交互会话。
// 同一时刻只有一个解码在执行；执行期间到达的输入立即写入状态，
// 合并为一次待执行的重算，在当前解码结束后运行。
type Session struct {
	ID string

	model     *SegModel
	maxClicks int

	mu          sync.Mutex
	cond        *sync.Cond
	phase       SessionPhase
	imageID     string
	w, h        int
	clicks      model.ClickSequence
	granularity float64
	feats       *model.FeaturePyramid
	adapter     Params
	current     model.MaskCandidate
	version     uint64
	computed    uint64
	running     bool
	lastUsed    time.Time
	recomputes  int
}

func NewSession(id string, m *SegModel, maxClicks int) *Session {
	s := &Session{
		ID:          id,
		model:       m,
		maxClicks:   maxClicks,
		granularity: 1.0,
		adapter:     m.Adapter.Clone(),
		lastUsed:    time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start 计算并缓存 backbone 特征，进入 AwaitingInput，掩码为空
func (s *Session) Start(ctx context.Context, imageID string, img image.Image) error {
	s.mu.Lock()
	if s.phase.Active() {
		s.mu.Unlock()
		return fmt.Errorf("session %s already active", s.ID)
	}
	s.mu.Unlock()

	feats, err := s.model.Backbone.ExtractFeatures(ctx, img)
	if err != nil {
		return fmt.Errorf("extract features: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageID = imageID
	s.w, s.h = feats.ImageW, feats.ImageH
	s.feats = feats
	s.clicks = model.NewClickSequence(s.maxClicks)
	s.current = s.emptyCandidate()
	s.version++
	s.computed = s.version
	s.phase = PhaseAwaitingInput
	s.touch()

	utils.Logger.Debug("session started",
		zap.String("session", s.ID),
		zap.String("image", imageID),
		zap.Int("width", s.w),
		zap.Int("height", s.h))
	return nil
}

// AddClick 追加点击并重算
func (s *Session) AddClick(ctx context.Context, x, y int, positive bool) (model.MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return model.MaskCandidate{}, model.ErrSessionIdle
	}
	if x < 0 || x >= s.w || y < 0 || y >= s.h {
		return model.MaskCandidate{}, fmt.Errorf("click (%d,%d) in %dx%d image: %w", x, y, s.w, s.h, model.ErrOutOfBounds)
	}
	if _, err := s.clicks.Add(x, y, positive); err != nil {
		return model.MaskCandidate{}, err
	}
	s.version++
	return s.settle(ctx, s.version)
}

// SetGranularity 只修改粒度，复用缓存特征重算
func (s *Session) SetGranularity(ctx context.Context, g float64) (model.MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return model.MaskCandidate{}, model.ErrSessionIdle
	}
	g = model.ClampGranularity(g)
	if g == s.granularity {
		return s.settle(ctx, s.version)
	}
	s.granularity = g
	s.version++
	return s.settle(ctx, s.version)
}

// Undo 撤销最后一次点击并重算；序列为空时不做任何事
func (s *Session) Undo(ctx context.Context) (model.MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return model.MaskCandidate{}, model.ErrSessionIdle
	}
	if _, ok := s.clicks.Pop(); !ok {
		return s.settle(ctx, s.version)
	}
	s.version++
	return s.settle(ctx, s.version)
}

// Reset 清空点击和掩码，回到 AwaitingInput
func (s *Session) Reset() (model.MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return model.MaskCandidate{}, model.ErrSessionIdle
	}
	s.clicks = model.NewClickSequence(s.maxClicks)
	s.version++
	s.computed = s.version
	s.current = s.emptyCandidate()
	if !s.running {
		s.phase = PhaseAwaitingInput
	}
	s.touch()
	s.cond.Broadcast()
	return s.current, nil
}

// LoadAdapter 热替换 adapter 参数，保留冻结 backbone 及缓存特征；
// 形状不匹配时返回 AdapterLoadError，原参数不变
func (s *Session) LoadAdapter(ctx context.Context, params Params) (model.MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := CheckShapes(s.adapter, params); err != nil {
		return s.current, err
	}
	s.adapter = params.Clone()
	if !s.phase.Active() {
		return s.current, nil
	}
	s.version++
	return s.settle(ctx, s.version)
}

// Close 回到 Idle 并释放缓存特征
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.feats = nil
	s.clicks = model.NewClickSequence(s.maxClicks)
	s.current = model.MaskCandidate{}
	s.cond.Broadcast()
}

// Snapshot 当前状态快照
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:          s.ID,
		ImageID:     s.imageID,
		Phase:       s.phase,
		W:           s.w,
		H:           s.h,
		Granularity: s.granularity,
		Clicks:      s.clicks.Clone(),
	}
	if s.current.Raster != nil {
		snap.Raster = s.current.Raster.Clone()
		snap.Mask = s.current.Mask()
	}
	return snap
}

func (s *Session) Phase() SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastUsed 最近一次输入时间
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Recomputes 已执行的解码次数
func (s *Session) Recomputes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputes
}

// settle 等待结果覆盖版本 want；调用时持有锁
func (s *Session) settle(ctx context.Context, want uint64) (model.MaskCandidate, error) {
	s.touch()
	for s.computed < want {
		if !s.phase.Active() {
			return model.MaskCandidate{}, model.ErrSessionIdle
		}
		if s.running {
			s.cond.Wait()
			continue
		}

		s.running = true
		s.phase = PhaseRecomputing
		v := s.version
		clicks := s.clicks.Clone()
		g := s.granularity
		params := s.adapter
		feats := s.feats

		s.mu.Unlock()
		prob, err := s.model.Decoder.Decode(ctx, feats, clicks, s.model.Ctrl.Encode(g), params)
		s.mu.Lock()

		s.running = false
		s.recomputes++
		if s.phase.Active() {
			s.phase = PhaseAwaitingInput
		}
		if err != nil {
			s.cond.Broadcast()
			return model.MaskCandidate{}, err
		}
		if s.phase.Active() && v > s.computed {
			s.current = model.MaskCandidate{Raster: prob, Granularity: g, Source: model.SourcePredicted}
			s.computed = v
		}
		s.cond.Broadcast()
	}
	if !s.phase.Active() {
		return model.MaskCandidate{}, model.ErrSessionIdle
	}
	return s.current, nil
}

func (s *Session) emptyCandidate() model.MaskCandidate {
	return model.MaskCandidate{
		Raster:      model.NewProbMap(s.w, s.h),
		Granularity: s.granularity,
		Source:      model.SourcePredicted,
	}
}

func (s *Session) touch() {
	s.lastUsed = time.Now()
}
