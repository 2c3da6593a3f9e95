package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/neptis/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// VolumeHandler handles volume lifecycle requests
type VolumeHandler struct {
	logger  *slog.Logger
	volumes VolumeService
}

// NewVolumeHandler creates a new VolumeHandler instance
func NewVolumeHandler(deps *Dependencies) *VolumeHandler {
	return &VolumeHandler{
		logger:  deps.Logger,
		volumes: deps.Volumes,
	}
}

// ListVolumes handles GET /api/v1/volumes
func (h *VolumeHandler) ListVolumes(c *gin.Context) {
	infos, err := h.volumes.List(c.Request.Context(), Caller(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListVolumesResponse{Volumes: make([]dto.VolumeDTO, len(infos))}
	for i := range infos {
		resp.Volumes[i] = dto.NewVolumeDTO(&infos[i].Volume, infos[i].Usage)
	}
	c.JSON(http.StatusOK, resp)
}

// GetVolume handles GET /api/v1/volumes/:name
func (h *VolumeHandler) GetVolume(c *gin.Context) {
	caller := Caller(c)

	info, err := h.volumes.Get(c.Request.Context(), caller, ownerParam(c, caller), c.Param("name"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewVolumeDTO(&info.Volume, info.Usage))
}

// PutVolume handles PUT /api/v1/volumes/:name
// Provisions the volume, or resizes it when it already exists
func (h *VolumeHandler) PutVolume(c *gin.Context) {
	var req dto.PutVolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return
	}

	caller := Caller(c)
	name := c.Param("name")

	h.logger.Info("PutVolume called",
		slog.String("owner", caller.UserName),
		slog.String("name", name),
		slog.Int64("data_bytes", req.DataBytes),
		slog.Int64("repo_bytes", req.RepoBytes),
	)

	v, err := h.volumes.Put(c.Request.Context(), caller, name, req.DataBytes, req.RepoBytes)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	info, err := h.volumes.Get(c.Request.Context(), caller, v.OwnedBy, v.Name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewVolumeDTO(&info.Volume, info.Usage))
}

// DeleteVolume handles DELETE /api/v1/volumes/:name
func (h *VolumeHandler) DeleteVolume(c *gin.Context) {
	caller := Caller(c)
	owner := ownerParam(c, caller)
	name := c.Param("name")

	h.logger.Info("DeleteVolume called",
		slog.String("caller", caller.UserName),
		slog.String("owner", owner),
		slog.String("name", name),
	)

	if err := h.volumes.Delete(c.Request.Context(), caller, owner, name); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
