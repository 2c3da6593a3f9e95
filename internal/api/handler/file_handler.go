package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/neptis/internal/api/dto"
	"github.com/cuongbtq/neptis/internal/files"
	"github.com/gin-gonic/gin"
)

// FileHandler handles the /files routes
type FileHandler struct {
	logger *slog.Logger
	files  FileService
	now    func() time.Time
}

// NewFileHandler creates a new FileHandler instance
func NewFileHandler(deps *Dependencies) *FileHandler {
	return &FileHandler{
		logger: deps.Logger,
		files:  deps.Files,
		now:    time.Now,
	}
}

func (h *FileHandler) bindQuery(c *gin.Context, obj any) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		h.logger.Debug("Invalid query parameters", slog.Any("error", err))
		badRequest(c, "Invalid query parameters")
		return false
	}
	return true
}

func (h *FileHandler) bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return false
	}
	return true
}

// Browse handles GET /api/v1/files/browse
func (h *FileHandler) Browse(c *gin.Context) {
	var req dto.BrowseRequest
	if !h.bindQuery(c, &req) {
		return
	}

	nodes, err := h.files.Browse(c.Request.Context(), Caller(c), req.Path, req.Depth)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.BrowseResponse{Nodes: make([]dto.NodeDTO, len(nodes))}
	for i, n := range nodes {
		resp.Nodes[i] = dto.NodeDTO{
			Path:  n.Path,
			IsDir: n.IsDir,
			Bytes: n.Bytes,
			ATime: n.ATime,
			MTime: n.MTime,
			CTime: n.CTime,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Dump handles GET /api/v1/files/dump
func (h *FileHandler) Dump(c *gin.Context) {
	var req dto.DumpRequest
	if !h.bindQuery(c, &req) {
		return
	}

	data, err := h.files.Dump(c.Request.Context(), Caller(c), req.Path, req.Offset, req.Size)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.DumpResponse{Base64: data})
}

// CreateFile handles POST /api/v1/files
func (h *FileHandler) CreateFile(c *gin.Context) {
	var req dto.CreateFileRequest
	if !h.bindJSON(c, &req) {
		return
	}

	err := h.files.Create(c.Request.Context(), Caller(c), files.CreateRequest{
		Path:   req.Path,
		IsDir:  req.IsDir,
		Base64: req.Base64,
		Offset: req.Offset,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusCreated)
}

// UpdateFile handles PUT /api/v1/files
func (h *FileHandler) UpdateFile(c *gin.Context) {
	var req dto.UpdateFileRequest
	if !h.bindJSON(c, &req) {
		return
	}

	update := files.UpdateRequest{
		Path:    req.Path,
		Base64:  req.Base64,
		Offset:  req.Offset,
		NewPath: req.NewPath,
	}
	if req.Attr != nil {
		update.Attr = &files.Attr{
			Size:  req.Attr.Size,
			ATime: req.Attr.ATime.Resolve(h.now),
			MTime: req.Attr.MTime.Resolve(h.now),
		}
	}

	if err := h.files.Update(c.Request.Context(), Caller(c), update); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteFile handles DELETE /api/v1/files
func (h *FileHandler) DeleteFile(c *gin.Context) {
	var req dto.PathRequest
	if !h.bindQuery(c, &req) {
		return
	}

	if err := h.files.Delete(c.Request.Context(), Caller(c), req.Path); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListXattrs handles GET /api/v1/files/xattrs
func (h *FileHandler) ListXattrs(c *gin.Context) {
	var req dto.PathRequest
	if !h.bindQuery(c, &req) {
		return
	}

	attrs, err := h.files.ListXattrs(c.Request.Context(), Caller(c), req.Path)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListXattrsResponse{Xattrs: make([]dto.XattrDTO, len(attrs))}
	for i, a := range attrs {
		resp.Xattrs[i] = dto.XattrDTO{Key: a.Key, Base64: a.Base64}
	}
	c.JSON(http.StatusOK, resp)
}

// SetXattr handles PUT /api/v1/files/xattrs
func (h *FileHandler) SetXattr(c *gin.Context) {
	var req dto.SetXattrRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.files.SetXattr(c.Request.Context(), Caller(c), req.Path, req.Key, req.Base64); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveXattr handles DELETE /api/v1/files/xattrs
func (h *FileHandler) RemoveXattr(c *gin.Context) {
	var req dto.RemoveXattrRequest
	if !h.bindQuery(c, &req) {
		return
	}

	if err := h.files.RemoveXattr(c.Request.Context(), Caller(c), req.Path, req.Key); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
