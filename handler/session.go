package handler

import (
	"net/http"
	"time"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/service"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, model.ErrorResponse{
		Success: false,
		Message: "请求参数错误",
		Error:   err.Error(),
	})
}

// AddClick 添加点击
func (h *SessionHandler) AddClick(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req model.ClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cand, err := s.AddClick(c.Request.Context(), req.X, req.Y, req.Positive)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondCandidate(c, s, cand, "点击已添加")
}

// SetGranularity 调整粒度
func (h *SessionHandler) SetGranularity(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req model.GranularityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cand, err := s.SetGranularity(c.Request.Context(), req.Value)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondCandidate(c, s, cand, "粒度已更新")
}

// Undo 撤销最后一次点击
func (h *SessionHandler) Undo(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cand, err := s.Undo(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondCandidate(c, s, cand, "已撤销")
}

// Reset 清空点击
func (h *SessionHandler) Reset(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cand, err := s.Reset()
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondCandidate(c, s, cand, "已重置")
}

// LoadAdapter 以请求体中的 adapter checkpoint 替换会话参数
func (h *SessionHandler) LoadAdapter(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var ck service.Checkpoint
	if err := c.ShouldBindJSON(&ck); err != nil {
		badRequest(c, err)
		return
	}
	params, err := ck.Params()
	if err != nil {
		h.fail(c, err)
		return
	}
	cand, err := s.LoadAdapter(c.Request.Context(), params)
	if err != nil {
		h.fail(c, err)
		return
	}
	utils.Logger.Info("adapter replaced",
		zap.String("session", s.ID),
		zap.Int("params", params.Size()))
	h.respondCandidate(c, s, cand, "adapter 已加载")
}

// Export 导出当前掩码并按图片 MD5 写入缓存
func (h *SessionHandler) Export(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	snap := s.Snapshot()
	if !snap.Phase.Active() {
		h.fail(c, model.ErrSessionIdle)
		return
	}
	st, err := h.state(snap)
	if err != nil {
		h.fail(c, err)
		return
	}
	result := &model.SegmentationResult{
		MD5:         snap.ImageID,
		Width:       snap.W,
		Height:      snap.H,
		Granularity: snap.Granularity,
		Clicks:      st.Clicks,
		BoundingBox: st.BoundingBox,
		Mask:        st.Mask,
		Timestamp:   time.Now().Unix(),
	}
	if snap.Raster != nil {
		result.Confidence = service.Confidence(snap.Raster)
	}

	if h.cache != nil {
		if err := h.cache.SetSegmentation(c.Request.Context(), snap.ImageID, result); err != nil {
			utils.Logger.Warn("failed to set cache", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, model.ResultResponse{
		Success: true,
		Message: "导出成功",
		Data:    result,
	})
}

// Delete 关闭会话
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.manager.Close(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.SessionResponse{
		Success: true,
		Message: "会话已关闭",
	})
}
