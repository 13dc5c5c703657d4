package models

import "time"

// SyncMode is the polling regime of the sync engine
type SyncMode string

const (
	ModeOnline          SyncMode = "online"
	ModeOfflineRecovery SyncMode = "offline_recovery"
	ModeOffline         SyncMode = "offline"
)

// SyncStats is published after every sync cycle for status display
type SyncStats struct {
	TotalSynced        int64         `json:"total_synced"`
	LastSyncTime       time.Time     `json:"last_sync_time"`
	LastDuration       time.Duration `json:"last_duration"`
	RollingSuccessRate float64       `json:"rolling_success_rate"`
	QueueSize          int           `json:"queue_size"`
	Mode               SyncMode      `json:"mode"`
	Online             bool          `json:"online"`
}

// ForceLogout is emitted once when the directory reports the current session as ended
type ForceLogout struct {
	Email      string        `json:"email"`
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	DetectedAt time.Time     `json:"detected_at"`
}
