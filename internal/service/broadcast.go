package service

// Broadcaster is the fan-out surface services push live events through.
// The websocket hub implements it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastDeviceUpdate(device interface{})
	BroadcastDevicesList(devices interface{})
	BroadcastUpdateProgress(mac string, progress interface{})
	BroadcastDeviceLog(mac string, entry interface{})
	BroadcastConsoleOutput(mac string, line interface{})
	BroadcastCommandAck(mac string, ack interface{})
	BroadcastAtRiskAlert(alert interface{})
}

// noopBroadcaster satisfies Broadcaster when no hub is wired
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastDeviceUpdate(interface{})           {}
func (noopBroadcaster) BroadcastDevicesList(interface{})            {}
func (noopBroadcaster) BroadcastUpdateProgress(string, interface{}) {}
func (noopBroadcaster) BroadcastDeviceLog(string, interface{})      {}
func (noopBroadcaster) BroadcastConsoleOutput(string, interface{})  {}
func (noopBroadcaster) BroadcastCommandAck(string, interface{})     {}
func (noopBroadcaster) BroadcastAtRiskAlert(interface{})            {}

// NoopBroadcaster returns a Broadcaster that drops everything
func NoopBroadcaster() Broadcaster { return noopBroadcaster{} }
