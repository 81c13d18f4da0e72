package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/utils"
)

// MemoryRepository is an in-memory Repository implementation. The
// storage port exists so the control plane can be exercised without a
// database; every service test runs against this type.
type MemoryRepository struct {
	mu sync.Mutex

	nextID      uint
	devices     map[string]*models.Device // keyed by canonical MAC
	logs        []*models.DeviceLog
	heartbeats  []*models.DeviceHeartbeat
	firmwares   map[string]*models.Firmware // keyed by version
	rollouts    map[uint]*models.StagedRollout
	webhooks    map[uint]*models.Webhook
	configs     map[uint]*models.DeviceConfig
	assignments map[string]*models.DeviceConfigAssignment // keyed by canonical MAC
	commands    map[uint]*models.DeviceCommand
	audits      []*models.AuditLog
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		devices:     make(map[string]*models.Device),
		firmwares:   make(map[string]*models.Firmware),
		rollouts:    make(map[uint]*models.StagedRollout),
		webhooks:    make(map[uint]*models.Webhook),
		configs:     make(map[uint]*models.DeviceConfig),
		assignments: make(map[string]*models.DeviceConfigAssignment),
		commands:    make(map[uint]*models.DeviceCommand),
	}
}

func (m *MemoryRepository) id() uint {
	m.nextID++
	return m.nextID
}

// WithTransaction runs fn and restores the full prior state when it
// returns an error, matching the rollback semantics of the gorm
// implementation.
func (m *MemoryRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	snapshot := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	nextID      uint
	devices     map[string]*models.Device
	logs        []*models.DeviceLog
	heartbeats  []*models.DeviceHeartbeat
	firmwares   map[string]*models.Firmware
	rollouts    map[uint]*models.StagedRollout
	webhooks    map[uint]*models.Webhook
	configs     map[uint]*models.DeviceConfig
	assignments map[string]*models.DeviceConfigAssignment
	commands    map[uint]*models.DeviceCommand
	audits      []*models.AuditLog
}

func (m *MemoryRepository) snapshot() *memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &memSnapshot{
		nextID:      m.nextID,
		devices:     make(map[string]*models.Device, len(m.devices)),
		firmwares:   make(map[string]*models.Firmware, len(m.firmwares)),
		rollouts:    make(map[uint]*models.StagedRollout, len(m.rollouts)),
		webhooks:    make(map[uint]*models.Webhook, len(m.webhooks)),
		configs:     make(map[uint]*models.DeviceConfig, len(m.configs)),
		assignments: make(map[string]*models.DeviceConfigAssignment, len(m.assignments)),
		commands:    make(map[uint]*models.DeviceCommand, len(m.commands)),
		logs:        append([]*models.DeviceLog(nil), m.logs...),
		heartbeats:  append([]*models.DeviceHeartbeat(nil), m.heartbeats...),
		audits:      append([]*models.AuditLog(nil), m.audits...),
	}
	for k, v := range m.devices {
		c := *v
		s.devices[k] = &c
	}
	for k, v := range m.firmwares {
		c := *v
		s.firmwares[k] = &c
	}
	for k, v := range m.rollouts {
		c := *v
		s.rollouts[k] = &c
	}
	for k, v := range m.webhooks {
		c := *v
		s.webhooks[k] = &c
	}
	for k, v := range m.configs {
		c := *v
		s.configs[k] = &c
	}
	for k, v := range m.assignments {
		c := *v
		s.assignments[k] = &c
	}
	for k, v := range m.commands {
		c := *v
		s.commands[k] = &c
	}
	return s
}

func (m *MemoryRepository) restore(s *memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID = s.nextID
	m.devices = s.devices
	m.firmwares = s.firmwares
	m.rollouts = s.rollouts
	m.webhooks = s.webhooks
	m.configs = s.configs
	m.assignments = s.assignments
	m.commands = s.commands
	m.logs = s.logs
	m.heartbeats = s.heartbeats
	m.audits = s.audits
}

// Device operations

func (m *MemoryRepository) CreateDevice(ctx context.Context, device *models.Device) error {
	mac, err := utils.NormalizeMAC(device.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	device.MACAddress = mac
	device.ID = m.id()
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	c := *device
	m.devices[mac] = &c
	return nil
}

func (m *MemoryRepository) UpdateDevice(ctx context.Context, device *models.Device) error {
	mac, err := utils.NormalizeMAC(device.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[mac]; !ok {
		return ErrNotFound
	}
	device.MACAddress = mac
	device.UpdatedAt = time.Now()
	c := *device
	m.devices[mac] = &c
	return nil
}

func (m *MemoryRepository) UpdateDeviceFields(ctx context.Context, mac string, fields map[string]interface{}) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[mac]
	if !ok {
		return ErrNotFound
	}
	applyDeviceFields(device, fields)
	device.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) TouchLastSeen(ctx context.Context, mac string, seen time.Time) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[mac]
	if !ok {
		return ErrNotFound
	}
	if device.LastSeen == nil || device.LastSeen.Before(seen) {
		t := seen
		device.LastSeen = &t
	}
	return nil
}

func (m *MemoryRepository) FindDeviceByID(ctx context.Context, id uint) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[mac]
	if !ok {
		return nil, ErrNotFound
	}
	c := *device
	return &c, nil
}

func (m *MemoryRepository) ListDevices(ctx context.Context) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		c := *d
		devices = append(devices, &c)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (m *MemoryRepository) DeleteDevice(ctx context.Context, mac string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[mac]; !ok {
		return ErrNotFound
	}
	delete(m.devices, mac)
	return nil
}

// applyDeviceFields mirrors the column-keyed partial updates the gorm
// implementation accepts.
func applyDeviceFields(d *models.Device, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "name":
			d.Name = v.(string)
		case "device_group":
			d.DeviceGroup = v.(string)
		case "location":
			d.Location = v.(string)
		case "current_version":
			d.CurrentVersion = v.(string)
		case "previous_version":
			d.PreviousVersion = v.(string)
		case "target_version":
			d.TargetVersion = v.(string)
		case "ota_status":
			d.OTAStatus = v.(models.OTAStatus)
		case "status":
			d.Status = v.(models.DeviceStatus)
		case "health_score":
			d.HealthScore = v.(int)
		case "signal_strength":
			d.SignalStrength = toIntPtr(v)
		case "free_heap":
			d.FreeHeap = toIntPtr(v)
		case "uptime":
			d.Uptime = toIntPtr(v)
		case "consecutive_failures":
			d.ConsecutiveFailures = v.(int)
		case "update_started_at":
			d.UpdateStartedAt = toTimePtr(v)
		case "expected_checkin_by":
			d.ExpectedCheckinBy = toTimePtr(v)
		case "update_attempts":
			d.UpdateAttempts = v.(int)
		case "is_at_risk":
			d.IsAtRisk = v.(bool)
		case "config_version":
			d.ConfigVersion = v.(int)
		case "last_seen":
			d.LastSeen = toTimePtr(v)
		case "last_heartbeat":
			d.LastHeartbeat = toTimePtr(v)
		case "last_ota_check":
			d.LastOTACheck = toTimePtr(v)
		}
	}
}

func toIntPtr(v interface{}) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return &t
	case *int:
		return t
	}
	return nil
}

func toTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

// DeviceLog operations

func (m *MemoryRepository) CreateDeviceLog(ctx context.Context, entry *models.DeviceLog) error {
	mac, err := utils.NormalizeMAC(entry.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry.MACAddress = mac
	entry.ID = m.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c := *entry
	m.logs = append(m.logs, &c)
	return nil
}

func (m *MemoryRepository) ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*models.DeviceLog, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []*models.DeviceLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		entry := m.logs[i]
		if entry.MACAddress == mac && !entry.Cleared {
			c := *entry
			logs = append(logs, &c)
			if limit > 0 && len(logs) >= limit {
				break
			}
		}
	}
	return logs, nil
}

func (m *MemoryRepository) ClearDeviceLogs(ctx context.Context, mac string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.logs {
		if entry.MACAddress == mac {
			entry.Cleared = true
		}
	}
	return nil
}

// Heartbeat operations

func (m *MemoryRepository) CreateHeartbeat(ctx context.Context, hb *models.DeviceHeartbeat) error {
	mac, err := utils.NormalizeMAC(hb.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hb.MACAddress = mac
	hb.ID = m.id()
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now()
	}
	c := *hb
	m.heartbeats = append(m.heartbeats, &c)
	return nil
}

func (m *MemoryRepository) ListHeartbeats(ctx context.Context, mac string, since time.Time) ([]*models.DeviceHeartbeat, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var beats []*models.DeviceHeartbeat
	for _, hb := range m.heartbeats {
		if hb.MACAddress == mac && !hb.CreatedAt.Before(since) {
			c := *hb
			beats = append(beats, &c)
		}
	}
	return beats, nil
}

// Firmware operations

func (m *MemoryRepository) CreateFirmware(ctx context.Context, fw *models.Firmware) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fw.ID = m.id()
	fw.CreatedAt = time.Now()
	c := *fw
	m.firmwares[fw.Version] = &c
	return nil
}

func (m *MemoryRepository) FindFirmwareByID(ctx context.Context, id uint) (*models.Firmware, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fw := range m.firmwares {
		if fw.ID == id {
			c := *fw
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindFirmwareByVersion(ctx context.Context, version string) (*models.Firmware, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fw, ok := m.firmwares[version]
	if !ok {
		return nil, ErrNotFound
	}
	c := *fw
	return &c, nil
}

func (m *MemoryRepository) ListFirmwares(ctx context.Context) ([]*models.Firmware, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	firmwares := make([]*models.Firmware, 0, len(m.firmwares))
	for _, fw := range m.firmwares {
		c := *fw
		firmwares = append(firmwares, &c)
	}
	sort.Slice(firmwares, func(i, j int) bool { return firmwares[i].ID < firmwares[j].ID })
	return firmwares, nil
}

func (m *MemoryRepository) DeleteFirmware(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.firmwares[version]; !ok {
		return ErrNotFound
	}
	delete(m.firmwares, version)
	return nil
}

func (m *MemoryRepository) IncrementDownloadCount(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fw, ok := m.firmwares[version]
	if !ok {
		return ErrNotFound
	}
	fw.DownloadCount++
	return nil
}

// StagedRollout operations

func (m *MemoryRepository) CreateRollout(ctx context.Context, rollout *models.StagedRollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollout.ID = m.id()
	rollout.CreatedAt = time.Now()
	c := *rollout
	m.rollouts[rollout.ID] = &c
	return nil
}

func (m *MemoryRepository) UpdateRollout(ctx context.Context, rollout *models.StagedRollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rollouts[rollout.ID]; !ok {
		return ErrNotFound
	}
	rollout.UpdatedAt = time.Now()
	c := *rollout
	m.rollouts[rollout.ID] = &c
	return nil
}

func (m *MemoryRepository) FindRolloutByID(ctx context.Context, id uint) (*models.StagedRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollout, ok := m.rollouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rollout
	return &c, nil
}

func (m *MemoryRepository) ListRollouts(ctx context.Context) ([]*models.StagedRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollouts := make([]*models.StagedRollout, 0, len(m.rollouts))
	for _, r := range m.rollouts {
		c := *r
		rollouts = append(rollouts, &c)
	}
	sort.Slice(rollouts, func(i, j int) bool { return rollouts[i].ID < rollouts[j].ID })
	return rollouts, nil
}

func (m *MemoryRepository) DeleteRollout(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rollouts[id]; !ok {
		return ErrNotFound
	}
	delete(m.rollouts, id)
	return nil
}

// Webhook operations

func (m *MemoryRepository) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook.ID = m.id()
	webhook.CreatedAt = time.Now()
	c := *webhook
	m.webhooks[webhook.ID] = &c
	return nil
}

func (m *MemoryRepository) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[webhook.ID]; !ok {
		return ErrNotFound
	}
	c := *webhook
	m.webhooks[webhook.ID] = &c
	return nil
}

func (m *MemoryRepository) FindWebhookByID(ctx context.Context, id uint) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *webhook
	return &c, nil
}

func (m *MemoryRepository) ListWebhooks(ctx context.Context) ([]*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhooks := make([]*models.Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		c := *w
		webhooks = append(webhooks, &c)
	}
	sort.Slice(webhooks, func(i, j int) bool { return webhooks[i].ID < webhooks[j].ID })
	return webhooks, nil
}

func (m *MemoryRepository) ListActiveWebhooks(ctx context.Context) ([]*models.Webhook, error) {
	webhooks, _ := m.ListWebhooks(ctx)
	active := webhooks[:0]
	for _, w := range webhooks {
		if w.Active {
			active = append(active, w)
		}
	}
	return active, nil
}

func (m *MemoryRepository) DeleteWebhook(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

// DeviceConfig operations

func (m *MemoryRepository) CreateConfig(ctx context.Context, cfg *models.DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.ID = m.id()
	cfg.CreatedAt = time.Now()
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	c := *cfg
	m.configs[cfg.ID] = &c
	return nil
}

func (m *MemoryRepository) UpdateConfig(ctx context.Context, cfg *models.DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[cfg.ID]; !ok {
		return ErrNotFound
	}
	cfg.Version++
	c := *cfg
	m.configs[cfg.ID] = &c
	return nil
}

func (m *MemoryRepository) FindConfigByID(ctx context.Context, id uint) (*models.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cfg
	return &c, nil
}

func (m *MemoryRepository) ListConfigs(ctx context.Context) ([]*models.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	configs := make([]*models.DeviceConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		c := *cfg
		configs = append(configs, &c)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

func (m *MemoryRepository) DeleteConfig(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	for mac, a := range m.assignments {
		if a.ConfigID == id {
			delete(m.assignments, mac)
		}
	}
	return nil
}

func (m *MemoryRepository) UpsertConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error {
	mac, err := utils.NormalizeMAC(assignment.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	assignment.MACAddress = mac
	if existing, ok := m.assignments[mac]; ok {
		assignment.ID = existing.ID
	} else {
		assignment.ID = m.id()
		assignment.CreatedAt = time.Now()
	}
	c := *assignment
	m.assignments[mac] = &c
	return nil
}

func (m *MemoryRepository) FindConfigAssignment(ctx context.Context, mac string) (*models.DeviceConfigAssignment, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	assignment, ok := m.assignments[mac]
	if !ok {
		return nil, ErrNotFound
	}
	c := *assignment
	return &c, nil
}

func (m *MemoryRepository) UpdateConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assignments[assignment.MACAddress]; !ok {
		return ErrNotFound
	}
	c := *assignment
	m.assignments[assignment.MACAddress] = &c
	return nil
}

// DeviceCommand operations

func (m *MemoryRepository) CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	mac, err := utils.NormalizeMAC(cmd.MACAddress)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cmd.MACAddress = mac
	cmd.ID = m.id()
	cmd.CreatedAt = time.Now()
	c := *cmd
	m.commands[cmd.ID] = &c
	return nil
}

func (m *MemoryRepository) FindCommandByID(ctx context.Context, id uint) (*models.DeviceCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cmd
	return &c, nil
}

func (m *MemoryRepository) ListPendingCommands(ctx context.Context, mac string) ([]*models.DeviceCommand, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cmds []*models.DeviceCommand
	for _, cmd := range m.commands {
		if cmd.MACAddress == mac && cmd.Status == models.CommandPending {
			c := *cmd
			cmds = append(cmds, &c)
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].ID < cmds[j].ID })
	return cmds, nil
}

func (m *MemoryRepository) UpdateCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.commands[cmd.ID]; !ok {
		return ErrNotFound
	}
	c := *cmd
	m.commands[cmd.ID] = &c
	return nil
}

func (m *MemoryRepository) ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, cmd := range m.commands {
		if cmd.Status == models.CommandPending && cmd.ExpiresAt.Before(cutoff) {
			cmd.Status = models.CommandExpired
			n++
		}
	}
	return n, nil
}

// Audit operations

func (m *MemoryRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c := *entry
	m.audits = append(m.audits, &c)
	return nil
}

func (m *MemoryRepository) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*models.AuditLog
	for i := len(m.audits) - 1; i >= 0; i-- {
		entry := m.audits[i]
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.Severity != "" && entry.Severity != filter.Severity {
			continue
		}
		if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && entry.CreatedAt.After(*filter.To) {
			continue
		}
		c := *entry
		entries = append(entries, &c)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}
