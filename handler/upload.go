package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TIANLI0/GranSeg/model"
	"github.com/TIANLI0/GranSeg/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Create 上传图片并创建会话
func (h *SessionHandler) Create(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		utils.Logger.Error("failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
			Error:   err.Error(),
		})
		return
	}

	// 验证文件大小
	if file.Size > h.cfg.Upload.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024)),
		})
		return
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的文件类型，仅支持 JPEG/PNG",
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		h.fail(c, err)
		return
	}

	md5 := utils.BytesMD5(data)
	img, scale, err := h.decode(data, h.cfg.Upload.MaxDimension)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "图片解码失败",
			Error:   err.Error(),
		})
		return
	}

	utils.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", md5),
		zap.Int64("size", file.Size),
		zap.Float64("scale", scale))

	s, err := h.manager.Create(c.Request.Context(), md5, img)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, s, "会话已创建")
}

// GetResult 根据MD5获取导出的分割结果
func (h *SessionHandler) GetResult(c *gin.Context) {
	md5 := c.Param("md5")
	if md5 == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "MD5参数缺失",
		})
		return
	}
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Success: false,
			Message: "结果缓存未启用",
		})
		return
	}

	result, err := h.cache.GetSegmentation(c.Request.Context(), md5)
	if err != nil {
		utils.Logger.Error("failed to get segmentation result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "查询失败",
			Error:   err.Error(),
		})
		return
	}

	if result == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "未找到该图片的分割结果",
		})
		return
	}

	c.JSON(http.StatusOK, model.ResultResponse{
		Success: true,
		Message: "查询成功",
		Data:    result,
	})
}

// ListResults 同一图片各粒度的导出结果
func (h *SessionHandler) ListResults(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Success: false,
			Message: "结果缓存未启用",
		})
		return
	}
	results, err := h.cache.ListSegmentations(c.Request.Context(), c.Param("md5"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ResultListResponse{
		Success: true,
		Message: "查询成功",
		Data:    results,
	})
}

func (h *SessionHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}
