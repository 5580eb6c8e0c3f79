package service

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"go.uber.org/zap"
)

// SessionManager 管理交互会话：限制会话数量、回收空闲会话、限制并发 backbone 计算
type SessionManager struct {
	model        *SegModel
	maxClicks    int
	maxSessions  int
	idleTimeout  time.Duration
	semaphore    chan struct{}
	queueTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(m *SegModel, cfg *config.SessionConfig) *SessionManager {
	return &SessionManager{
		model:        m,
		maxClicks:    cfg.MaxClicks,
		maxSessions:  cfg.MaxSessions,
		idleTimeout:  cfg.IdleTimeout,
		semaphore:    make(chan struct{}, max(1, cfg.MaxConcurrent)),
		queueTimeout: time.Duration(cfg.QueueTimeout) * time.Second,
		sessions:     make(map[string]*Session),
	}
}

// Create 为图片创建会话并计算特征
func (m *SessionManager) Create(ctx context.Context, imageID string, img image.Image) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, model.ErrTooManySessions
	}
	m.mu.Unlock()

	// 并发控制
	qctx := ctx
	if m.queueTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, m.queueTimeout)
		defer cancel()
	}
	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-qctx.Done():
		return nil, fmt.Errorf("feature queue full: %w", qctx.Err())
	}

	s := NewSession(utils.GenerateID(), m.model, m.maxClicks)
	if err := s.Start(ctx, imageID, img); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		s.Close()
		return nil, model.ErrTooManySessions
	}
	m.sessions[s.ID] = s

	utils.Logger.Info("session created",
		zap.String("session", s.ID),
		zap.String("image", imageID),
		zap.Int("sessions", len(m.sessions)))
	return s, nil
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Close 关闭并移除会话
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}
	s.Close()
	utils.Logger.Info("session closed", zap.String("session", id))
	return nil
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep 关闭空闲超过 idleTimeout 的会话，返回关闭数量
func (m *SessionManager) Sweep(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastUsed()) > m.idleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
		utils.Logger.Info("idle session evicted", zap.String("session", s.ID))
	}
	return len(stale)
}

// Run 周期性回收空闲会话，直到 ctx 结束
func (m *SessionManager) Run(ctx context.Context) {
	if m.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(m.idleTimeout/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// CloseAll 关闭全部会话
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
