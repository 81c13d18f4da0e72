package handlers

import (
	"net/http"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/firmware"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FirmwareHandler serves operator firmware management endpoints
type FirmwareHandler struct {
	store  firmware.Store
	audit  service.AuditRecorder
	logger *logrus.Logger
}

// NewFirmwareHandler creates the firmware management handler
func NewFirmwareHandler(store firmware.Store, audit service.AuditRecorder, logger *logrus.Logger) *FirmwareHandler {
	return &FirmwareHandler{store: store, audit: audit, logger: logger}
}

// Upload handles POST /api/firmware (multipart: file, version, releaseNotes)
func (h *FirmwareHandler) Upload(c *gin.Context) {
	version := c.PostForm("version")
	if version == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > firmware.MaxFirmwareSize {
		respondError(c, firmware.ErrFileTooLarge)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()

	fw, err := h.store.Upload(c.Request.Context(), f, fileHeader.Filename, version, c.PostForm("releaseNotes"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     "firmware.upload",
		EntityType: "firmware",
		EntityID:   fw.Version,
		EntityName: fw.Filename,
		Details:    map[string]interface{}{"size": fw.Size, "checksum": fw.Checksum},
		IPAddress:  c.ClientIP(),
	})

	c.JSON(http.StatusCreated, fw)
}

// List handles GET /api/firmware
func (h *FirmwareHandler) List(c *gin.Context) {
	firmwares, err := h.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, firmwares)
}

// Get handles GET /api/firmware/:version
func (h *FirmwareHandler) Get(c *gin.Context) {
	fw, err := h.store.Get(c.Request.Context(), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fw)
}

// Delete handles DELETE /api/firmware/:version
func (h *FirmwareHandler) Delete(c *gin.Context) {
	version := c.Param("version")
	if err := h.store.Delete(c.Request.Context(), version); err != nil {
		respondError(c, err)
		return
	}

	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     "firmware.delete",
		EntityType: "firmware",
		EntityID:   version,
		IPAddress:  c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Diff handles GET /api/firmware/diff?versionA=&versionB=
func (h *FirmwareHandler) Diff(c *gin.Context) {
	versionA := c.Query("versionA")
	versionB := c.Query("versionB")
	if versionA == "" || versionB == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "versionA and versionB are required"})
		return
	}

	diff, err := h.store.Diff(c.Request.Context(), versionA, versionB)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}
