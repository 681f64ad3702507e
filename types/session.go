package types

import "time"

// Session is the persistent row bracketing one edge WebSocket lifetime.
type Session struct {
	SessionID  string
	UserID     string
	StartTime  time.Time
	EndTime    *time.Time
	DeviceInfo map[string]any
}
