package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/apsgrid/otaserver/internal/firmware"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OTAHandler serves the device-facing update protocol
type OTAHandler struct {
	ota      service.OTAService
	commands service.CommandService
	configs  service.ConfigService
	store    firmware.Store
	logger   *logrus.Logger
}

// NewOTAHandler creates the device-facing handler
func NewOTAHandler(ota service.OTAService, commands service.CommandService, configs service.ConfigService, store firmware.Store, logger *logrus.Logger) *OTAHandler {
	return &OTAHandler{
		ota:      ota,
		commands: commands,
		configs:  configs,
		store:    store,
		logger:   logger,
	}
}

// Check handles GET /ota/check. On an available update the device is
// redirected to the firmware download.
func (h *OTAHandler) Check(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	result, err := h.ota.Check(c.Request.Context(), deviceID, c.Query("version"))
	if err != nil {
		respondError(c, err)
		return
	}

	if !result.UpdateAvailable {
		c.JSON(http.StatusOK, result)
		return
	}

	c.Redirect(http.StatusFound, fmt.Sprintf("/firmware/%s", result.Firmware.Filename))
}

// Update handles GET /ota/update: check and stream in one round trip
func (h *OTAHandler) Update(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	result, err := h.ota.Check(c.Request.Context(), deviceID, c.Query("version"))
	if err != nil {
		respondError(c, err)
		return
	}

	if !result.UpdateAvailable {
		c.Status(http.StatusNotModified)
		return
	}

	fw, reader, err := h.store.Stream(c.Request.Context(), result.TargetVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(fw.Size, 10))
	c.Header("X-Firmware-Version", fw.Version)
	c.Header("X-Checksum", fw.Checksum)

	if _, err := io.Copy(c.Writer, reader); err != nil {
		// The connection dropped mid-stream; the watchdog will flag the
		// device if it never reports back.
		h.ota.RecordDownload(deviceID, fw.Version, false, err.Error())
		return
	}

	h.ota.RecordDownload(deviceID, fw.Version, true, "")
	if err := h.store.CountDownload(c.Request.Context(), fw.Version); err != nil {
		h.logger.WithError(err).WithField("version", fw.Version).
			Warn("Failed to count firmware download")
	}
}

type reportRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Status   string `json:"status" binding:"required"`
	Version  string `json:"version"`
	Message  string `json:"message"`
}

// Report handles POST /ota/report
func (h *OTAHandler) Report(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.ota.Report(c.Request.Context(), req.DeviceID, req.Status, req.Version, req.Message); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type progressRequest struct {
	DeviceID      string `json:"deviceId" binding:"required"`
	Progress      int    `json:"progress" binding:"min=0,max=100"`
	BytesReceived int64  `json:"bytesReceived"`
	TotalBytes    int64  `json:"totalBytes"`
}

// Progress handles POST /ota/progress
func (h *OTAHandler) Progress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.ota.Progress(c.Request.Context(), req.DeviceID, service.ProgressUpdate{
		Progress:      req.Progress,
		BytesReceived: req.BytesReceived,
		TotalBytes:    req.TotalBytes,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type heartbeatRequest struct {
	MAC            string   `json:"mac" binding:"required"`
	SignalStrength *int     `json:"signalStrength"`
	FreeHeap       *int     `json:"freeHeap"`
	Uptime         *int     `json:"uptime"`
	CPUTemp        *float64 `json:"cpuTemp"`
}

// Heartbeat handles POST /ota/heartbeat
func (h *OTAHandler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := h.ota.Heartbeat(c.Request.Context(), req.MAC, service.HeartbeatInput{
		SignalStrength: req.SignalStrength,
		FreeHeap:       req.FreeHeap,
		Uptime:         req.Uptime,
		CPUTemp:        req.CPUTemp,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetConfig handles GET /ota/config
func (h *OTAHandler) GetConfig(c *gin.Context) {
	mac := c.Query("mac")
	if mac == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mac is required"})
		return
	}

	pending, err := h.configs.GetPending(c.Request.Context(), mac)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, pending)
}

type configAckRequest struct {
	MAC           string `json:"mac" binding:"required"`
	ConfigVersion int    `json:"configVersion" binding:"required"`
}

// AckConfig handles POST /ota/config/ack
func (h *OTAHandler) AckConfig(c *gin.Context) {
	var req configAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.configs.Ack(c.Request.Context(), req.MAC, req.ConfigVersion); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetCommands handles GET /ota/commands, draining the pending queue
func (h *OTAHandler) GetCommands(c *gin.Context) {
	mac := c.Query("mac")
	if mac == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mac is required"})
		return
	}

	commands, err := h.commands.DrainPending(c.Request.Context(), mac)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, gin.H{
			"id":      cmd.ID,
			"command": cmd.Command,
			"payload": cmd.Payload,
		})
	}

	c.JSON(http.StatusOK, gin.H{"commands": out})
}

type commandAckRequest struct {
	Status   string `json:"status" binding:"required"`
	Response string `json:"response"`
}

// AckCommand handles POST /ota/commands/:id/ack
func (h *OTAHandler) AckCommand(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command id"})
		return
	}

	var req commandAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.commands.Acknowledge(c.Request.Context(), uint(id), req.Status, req.Response); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Download handles GET /firmware/:filename for redirect targets
func (h *OTAHandler) Download(c *gin.Context) {
	filename := c.Param("filename")

	reader, size, err := h.store.StreamFile(filename)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.WithError(err).WithField("filename", filename).
			Warn("Firmware stream interrupted")
	}
}
