package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/neptis/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// UserHandler handles user administration requests
type UserHandler struct {
	logger *slog.Logger
	users  UserService
}

// NewUserHandler creates a new UserHandler instance
func NewUserHandler(deps *Dependencies) *UserHandler {
	return &UserHandler{
		logger: deps.Logger,
		users:  deps.Users,
	}
}

// ListUsers handles GET /api/v1/users
func (h *UserHandler) ListUsers(c *gin.Context) {
	caller := Caller(c)

	users, err := h.users.List(c.Request.Context(), caller)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListUsersResponse{Users: make([]dto.UserDTO, len(users))}
	for i := range users {
		resp.Users[i] = dto.NewUserDTO(caller, &users[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetUser handles GET /api/v1/users/:name
func (h *UserHandler) GetUser(c *gin.Context) {
	caller := Caller(c)

	user, err := h.users.Get(c.Request.Context(), caller, c.Param("name"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewUserDTO(caller, user))
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req dto.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return
	}

	caller := Caller(c)
	h.logger.Info("CreateUser called",
		slog.String("caller", caller.UserName),
		slog.String("user", req.UserName),
	)

	user, err := h.users.Create(c.Request.Context(), caller, req.ToDomain())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewUserDTO(caller, user))
}

// UpdateUser handles PUT /api/v1/users/:name
func (h *UserHandler) UpdateUser(c *gin.Context) {
	var req dto.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		badRequest(c, "Invalid request body")
		return
	}

	caller := Caller(c)
	name := c.Param("name")
	h.logger.Info("UpdateUser called",
		slog.String("caller", caller.UserName),
		slog.String("user", name),
	)

	user, err := h.users.Update(c.Request.Context(), caller, name, req.ToDomain())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewUserDTO(caller, user))
}

// DeleteUser handles DELETE /api/v1/users/:name
func (h *UserHandler) DeleteUser(c *gin.Context) {
	caller := Caller(c)
	name := c.Param("name")

	h.logger.Info("DeleteUser called",
		slog.String("caller", caller.UserName),
		slog.String("user", name),
	)

	if err := h.users.Delete(c.Request.Context(), caller, name); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
