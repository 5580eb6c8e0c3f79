package handler

import (
	"context"
	"errors"
	"image"
	"net/http"

	"github.com/TIANLI0/GranSeg/config"
	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ImageDecoder 解码上传图片，长边超过 maxSize 时缩放
type ImageDecoder func(data []byte, maxSize int) (image.Image, float64, error)

// MaskRefiner 展示前的掩码后处理
type MaskRefiner interface {
	Refine(m *model.Mask) (*model.Mask, error)
}

type SessionHandler struct {
	cfg     *config.Config
	manager *service.SessionManager
	cache   service.ResultCache
	decode  ImageDecoder
	refiner MaskRefiner
}

// NewSessionHandler cache 和 refiner 可为 nil
func NewSessionHandler(cfg *config.Config, manager *service.SessionManager, cache service.ResultCache, decode ImageDecoder, refiner MaskRefiner) *SessionHandler {
	return &SessionHandler{
		cfg:     cfg,
		manager: manager,
		cache:   cache,
		decode:  decode,
		refiner: refiner,
	}
}

// Register 注册 /api/v1 下的路由
func (h *SessionHandler) Register(api *gin.RouterGroup) {
	api.POST("/sessions", h.Create)
	api.POST("/sessions/:id/clicks", h.AddClick)
	api.PUT("/sessions/:id/granularity", h.SetGranularity)
	api.POST("/sessions/:id/undo", h.Undo)
	api.POST("/sessions/:id/reset", h.Reset)
	api.POST("/sessions/:id/adapter", h.LoadAdapter)
	api.POST("/sessions/:id/export", h.Export)
	api.DELETE("/sessions/:id", h.Delete)
	api.GET("/result/:md5", h.GetResult)
	api.GET("/result/:md5/all", h.ListResults)
}

// state 由快照生成对外状态
func (h *SessionHandler) state(snap service.SessionSnapshot) (*model.SessionState, error) {
	st := &model.SessionState{
		ID:          snap.ID,
		MD5:         snap.ImageID,
		State:       snap.Phase.String(),
		Width:       snap.W,
		Height:      snap.H,
		Granularity: snap.Granularity,
		Clicks:      snap.Clicks.Clicks,
	}
	if st.Clicks == nil {
		st.Clicks = []model.Click{}
	}
	mask := snap.Mask
	if mask == nil {
		return st, nil
	}
	if h.refiner != nil {
		refined, err := h.refiner.Refine(mask)
		if err != nil {
			utils.Logger.Warn("mask refinement failed, using raw mask",
				zap.String("session", snap.ID), zap.Error(err))
		} else {
			mask = refined
		}
	}
	encoded, err := mask.EncodeBase64PNG()
	if err != nil {
		return nil, err
	}
	st.Mask = encoded
	st.Area = mask.Area()
	st.BoundingBox = mask.BoundingBox()
	return st, nil
}

func (h *SessionHandler) respond(c *gin.Context, s *service.Session, message string) {
	h.respondSnapshot(c, s.Snapshot(), message)
}

// respondCandidate 掩码和粒度取自本次调用自己的解码结果，点击列表为会话当前状态
func (h *SessionHandler) respondCandidate(c *gin.Context, s *service.Session, cand model.MaskCandidate, message string) {
	h.respondSnapshot(c, withCandidate(s.Snapshot(), cand), message)
}

func withCandidate(snap service.SessionSnapshot, cand model.MaskCandidate) service.SessionSnapshot {
	if cand.Raster == nil {
		return snap
	}
	snap.Granularity = cand.Granularity
	snap.Raster = cand.Raster
	snap.Mask = cand.Mask()
	return snap
}

func (h *SessionHandler) respondSnapshot(c *gin.Context, snap service.SessionSnapshot, message string) {
	st, err := h.state(snap)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.SessionResponse{
		Success: true,
		Message: message,
		Data:    st,
	})
}

// fail 错误映射到 HTTP 状态码
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "处理失败"
	var adapterErr *model.AdapterLoadError
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		status, message = http.StatusNotFound, "会话不存在"
	case errors.Is(err, model.ErrSessionIdle):
		status, message = http.StatusConflict, "会话已关闭"
	case errors.Is(err, model.ErrOutOfBounds):
		status, message = http.StatusBadRequest, "点击超出图片范围"
	case errors.Is(err, model.ErrClickLimit):
		status, message = http.StatusBadRequest, "点击次数已达上限"
	case errors.As(err, &adapterErr):
		status, message = http.StatusBadRequest, "adapter 参数不匹配"
	case errors.Is(err, model.ErrTooManySessions), errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusServiceUnavailable, "服务繁忙，请稍后重试"
	}
	if status >= http.StatusInternalServerError {
		utils.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func (h *SessionHandler) session(c *gin.Context) (*service.Session, bool) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return s, true
}
