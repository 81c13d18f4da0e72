package models

import (
	"time"

	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities
type Model struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// OTAStatus represents the per-device position in the update lifecycle
type OTAStatus string

const (
	// OTAStatusIdle represents a device with no update in progress
	OTAStatusIdle OTAStatus = "idle"
	// OTAStatusPending represents a device with a queued update it has not yet seen
	OTAStatusPending OTAStatus = "pending"
	// OTAStatusUpdating represents a device that has been handed an update
	OTAStatusUpdating OTAStatus = "updating"
	// OTAStatusUpdated represents a device that reported a successful update
	OTAStatusUpdated OTAStatus = "updated"
	// OTAStatusFailed represents a device whose last update failed
	OTAStatusFailed OTAStatus = "failed"
)

// DeviceStatus is the derived online/offline state of a device
type DeviceStatus string

const (
	// DeviceOnline means the device was seen within the online threshold
	DeviceOnline DeviceStatus = "online"
	// DeviceOffline means the device has not been seen recently
	DeviceOffline DeviceStatus = "offline"
)

// OnlineThreshold is the window within which a device counts as online.
// Online/offline is derived from LastSeen on every read; the stored
// Status column is a hint only.
const OnlineThreshold = 5 * time.Minute

// Device model represents a managed device in the fleet.
// MACAddress is always stored in canonical form (12 uppercase hex chars).
type Device struct {
	Model
	MACAddress  string `json:"macAddress" gorm:"uniqueIndex;Column:mac_address"`
	Name        string `json:"name" gorm:"Column:name"`
	DeviceGroup string `json:"group" gorm:"Column:device_group"`
	Location    string `json:"location,omitempty" gorm:"Column:location"`

	CurrentVersion  string `json:"currentVersion" gorm:"Column:current_version"`
	PreviousVersion string `json:"previousVersion" gorm:"Column:previous_version"`
	TargetVersion   string `json:"targetVersion" gorm:"Column:target_version"`

	OTAStatus OTAStatus    `json:"otaStatus" gorm:"Column:ota_status;default:'idle'"`
	Status    DeviceStatus `json:"status" gorm:"Column:status;default:'offline'"`

	HealthScore         int  `json:"healthScore" gorm:"Column:health_score;default:100"`
	SignalStrength      *int `json:"signalStrength,omitempty" gorm:"Column:signal_strength"`
	FreeHeap            *int `json:"freeHeap,omitempty" gorm:"Column:free_heap"`
	Uptime              *int `json:"uptime,omitempty" gorm:"Column:uptime"`
	ConsecutiveFailures int  `json:"consecutiveFailures" gorm:"Column:consecutive_failures"`

	UpdateStartedAt   *time.Time `json:"updateStartedAt,omitempty" gorm:"Column:update_started_at"`
	ExpectedCheckinBy *time.Time `json:"expectedCheckinBy,omitempty" gorm:"Column:expected_checkin_by"`
	UpdateAttempts    int        `json:"updateAttempts" gorm:"Column:update_attempts"`
	IsAtRisk          bool       `json:"isAtRisk" gorm:"Column:is_at_risk"`

	ConfigVersion int `json:"configVersion" gorm:"Column:config_version"`

	LastSeen      *time.Time `json:"lastSeen,omitempty" gorm:"Column:last_seen"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty" gorm:"Column:last_heartbeat"`
	LastOTACheck  *time.Time `json:"lastOtaCheck,omitempty" gorm:"Column:last_ota_check"`
}

// DeriveStatus recomputes the online/offline state from LastSeen.
// Never persists; callers apply it before returning a device.
func (d *Device) DeriveStatus(now time.Time) {
	if d.LastSeen != nil && now.Sub(*d.LastSeen) <= OnlineThreshold {
		d.Status = DeviceOnline
	} else {
		d.Status = DeviceOffline
	}
}

// Firmware model represents an uploaded firmware image.
// Records are immutable after creation apart from DownloadCount.
type Firmware struct {
	Model
	Version       string `json:"version" gorm:"uniqueIndex;Column:version"`
	Filename      string `json:"filename" gorm:"Column:filename"`
	Size          int64  `json:"size" gorm:"Column:size"`
	Checksum      string `json:"checksum" gorm:"Column:checksum"` // hex SHA-256
	ReleaseNotes  string `json:"releaseNotes,omitempty" gorm:"Column:release_notes;type:text"`
	DownloadCount int    `json:"downloadCount" gorm:"Column:download_count"`
}

// LogAction is the kind of device lifecycle event a log row records
type LogAction string

const (
	LogActionRegister LogAction = "register"
	LogActionCheck    LogAction = "check"
	LogActionDownload LogAction = "download"
	LogActionDeploy   LogAction = "deploy"
	LogActionReport   LogAction = "report"
	LogActionRollback LogAction = "rollback"
	LogActionReset    LogAction = "reset"
	LogActionDelete   LogAction = "delete"
)

// LogStatus is the outcome recorded on a device log row
type LogStatus string

const (
	LogStatusPending LogStatus = "pending"
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusUpdated LogStatus = "updated"
)

// DeviceLog is an append-only event per device
type DeviceLog struct {
	Model
	MACAddress  string    `json:"macAddress" gorm:"index;Column:mac_address"`
	Action      LogAction `json:"action" gorm:"Column:action"`
	Status      LogStatus `json:"status" gorm:"Column:status"`
	FromVersion string    `json:"fromVersion,omitempty" gorm:"Column:from_version"`
	ToVersion   string    `json:"toVersion,omitempty" gorm:"Column:to_version"`
	Message     string    `json:"message,omitempty" gorm:"Column:message;type:text"`
	Cleared     bool      `json:"cleared" gorm:"Column:cleared"`
}

// DeviceHeartbeat is a time-series row of device health metrics
type DeviceHeartbeat struct {
	Model
	MACAddress     string   `json:"macAddress" gorm:"index;Column:mac_address"`
	SignalStrength *int     `json:"signalStrength,omitempty" gorm:"Column:signal_strength"`
	FreeHeap       *int     `json:"freeHeap,omitempty" gorm:"Column:free_heap"`
	Uptime         *int     `json:"uptime,omitempty" gorm:"Column:uptime"`
	CPUTemp        *float64 `json:"cpuTemp,omitempty" gorm:"Column:cpu_temp"`
}

// RolloutStatus is the lifecycle state of a staged rollout
type RolloutStatus string

const (
	RolloutActive     RolloutStatus = "active"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleting RolloutStatus = "completing"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutCancelled  RolloutStatus = "cancelled"
)

// StagedRollout represents a percentage-based phased deployment of one
// firmware version across the fleet.
type StagedRollout struct {
	Model
	Version          string        `json:"version" gorm:"Column:version"`
	CurrentStage     int           `json:"currentStage" gorm:"Column:current_stage;default:1"` // 1-based
	StagePercentages IntList       `json:"stagePercentages" gorm:"Column:stage_percentages;type:text"`
	Status           RolloutStatus `json:"status" gorm:"Column:status;default:'active'"`
	TotalDevices     int           `json:"totalDevices" gorm:"Column:total_devices"`
	UpdatedDevices   int           `json:"updatedDevices" gorm:"Column:updated_devices"`
	FailedDevices    int           `json:"failedDevices" gorm:"Column:failed_devices"`
	AutoExpand       bool          `json:"autoExpand" gorm:"Column:auto_expand"`
	ExpandAfterMin   int           `json:"expandAfterMinutes" gorm:"Column:expand_after_min"`
	FailureThreshold int           `json:"failureThreshold" gorm:"Column:failure_threshold"` // percent
	LastExpanded     *time.Time    `json:"lastExpanded,omitempty" gorm:"Column:last_expanded"`
}

// AuditSeverity classifies audit entries
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
)

// AuditLog records one operator-initiated action
type AuditLog struct {
	Model
	Username   string        `json:"username" gorm:"Column:username"`
	Action     string        `json:"action" gorm:"index;Column:action"`
	EntityType string        `json:"entityType" gorm:"index;Column:entity_type"`
	EntityID   string        `json:"entityId" gorm:"Column:entity_id"`
	EntityName string        `json:"entityName" gorm:"Column:entity_name"`
	Details    string        `json:"details,omitempty" gorm:"Column:details;type:text"` // JSON, redacted
	IPAddress  string        `json:"ipAddress" gorm:"Column:ip_address"`
	Severity   AuditSeverity `json:"severity" gorm:"Column:severity;default:'info'"`
}

// Webhook is an outbound notification target
type Webhook struct {
	Model
	Name            string     `json:"name" gorm:"Column:name"`
	URL             string     `json:"url" gorm:"Column:url"`
	Secret          string     `json:"-" gorm:"Column:secret"`
	Events          StringList `json:"events" gorm:"Column:events;type:text"` // event names or "*"
	Active          bool       `json:"active" gorm:"Column:active;default:true"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty" gorm:"Column:last_triggered_at"`
	LastStatusCode  int        `json:"lastStatusCode" gorm:"Column:last_status_code"`
	FailureCount    int        `json:"failureCount" gorm:"Column:failure_count"`
}

// SubscribesTo reports whether the webhook wants the given event
func (w *Webhook) SubscribesTo(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// DeviceConfig is a named JSON configuration blob with a monotonic version
type DeviceConfig struct {
	Model
	Name       string `json:"name" gorm:"uniqueIndex;Column:name"`
	ConfigData string `json:"configData" gorm:"Column:config_data;type:text"` // JSON
	Version    int    `json:"version" gorm:"Column:version;default:1"`
}

// ConfigAssignmentStatus is the delivery state of a config assignment
type ConfigAssignmentStatus string

const (
	ConfigPending ConfigAssignmentStatus = "pending"
	ConfigApplied ConfigAssignmentStatus = "applied"
	ConfigFailed  ConfigAssignmentStatus = "failed"
)

// DeviceConfigAssignment maps a device to a config at a specific version
type DeviceConfigAssignment struct {
	Model
	MACAddress    string                 `json:"macAddress" gorm:"uniqueIndex;Column:mac_address"`
	ConfigID      uint                   `json:"configId" gorm:"Column:config_id"`
	ConfigVersion int                    `json:"configVersion" gorm:"Column:config_version"`
	Status        ConfigAssignmentStatus `json:"status" gorm:"Column:status;default:'pending'"`
	AppliedAt     *time.Time             `json:"appliedAt,omitempty" gorm:"Column:applied_at"`
}

// CommandStatus is the delivery state of a queued device command
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
)

// CommandTTL is the default lifetime of a pending command
const CommandTTL = 5 * time.Minute

// DeviceCommand is a pending action queued for a device to pull
type DeviceCommand struct {
	Model
	MACAddress     string        `json:"macAddress" gorm:"index;Column:mac_address"`
	Command        string        `json:"command" gorm:"Column:command"`
	Payload        string        `json:"payload,omitempty" gorm:"Column:payload;type:text"` // JSON
	Status         CommandStatus `json:"status" gorm:"Column:status;default:'pending'"`
	ExpiresAt      time.Time     `json:"expiresAt" gorm:"Column:expires_at"`
	SentAt         *time.Time    `json:"sentAt,omitempty" gorm:"Column:sent_at"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty" gorm:"Column:acknowledged_at"`
	Response       string        `json:"response,omitempty" gorm:"Column:response;type:text"`
}
