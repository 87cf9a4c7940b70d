package events

// Type identifies a broadcast event kind.
type Type string

// Event types pushed to observers.
const (
	TypeInitialData        Type = "initial_data"
	TypeDevicesUpdate      Type = "devices_update"
	TypeAllDevicesUpdate   Type = "all_devices_update"
	TypeScanningStatus     Type = "scanning_status"
	TypeConnectionStatus   Type = "connection_status"
	TypeDeviceConnected    Type = "device_connected"
	TypeDeviceDisconnected Type = "device_disconnected"
	TypeWhitelistUpdate    Type = "whitelist_update"
	TypeLogUpdate          Type = "log_update"
	TypeLogsCleared        Type = "logs_cleared"
	TypeStats              Type = "stats"
)

// Event is one notification fanned out to all observers.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}
