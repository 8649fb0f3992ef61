package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/interfaces/http/dto"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Error maps a domain error to an HTTP status and error envelope
func (h *BaseHandler) Error(c *gin.Context, err error) {
	var validationErr *shared.ValidationError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(dto.ErrCodeNotFound, err.Error()))
	case errors.Is(err, shared.ErrInvalidState):
		c.JSON(http.StatusConflict, dto.NewErrorResponse(dto.ErrCodeInvalidState, err.Error()))
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(dto.ErrCodeValidation, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(dto.ErrCodeInternal, err.Error()))
	}
}

// BadRequest sends a 400 validation error response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.NewErrorResponse(dto.ErrCodeValidation, message))
}
