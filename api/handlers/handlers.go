package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/apsgrid/otaserver/internal/firmware"
	"github.com/apsgrid/otaserver/internal/service"
	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/gin-gonic/gin"
)

// respondError maps service-layer errors onto HTTP responses. Every
// error body carries a short message and a timestamp.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, service.ErrFirmwareNotFound),
		errors.Is(err, service.ErrRolloutNotFound),
		errors.Is(err, service.ErrConfigNotFound),
		errors.Is(err, service.ErrCommandNotFound),
		errors.Is(err, firmware.ErrNotFound):
		status = http.StatusNotFound

	case errors.Is(err, service.ErrDeviceExists),
		errors.Is(err, service.ErrAlreadyUpdating),
		errors.Is(err, firmware.ErrVersionExists):
		status = http.StatusConflict

	case errors.Is(err, utils.ErrInvalidMAC),
		errors.Is(err, utils.ErrInvalidVersion),
		errors.Is(err, service.ErrDuplicateRecent),
		errors.Is(err, service.ErrInvalidReport),
		errors.Is(err, service.ErrNoPreviousVersion),
		errors.Is(err, service.ErrRolloutNotActive),
		errors.Is(err, service.ErrInvalidStages),
		errors.Is(err, firmware.ErrFileTooLarge),
		errors.Is(err, firmware.ErrInvalidExtension),
		errors.Is(err, firmware.ErrPathTraversal):
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
