// internal/database/models.go
package database

import "time"

// CheckpointRecord is the index row kept for each checkpoint
type CheckpointRecord struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	Operation   string    `json:"operation,omitempty"`
	RiskLevel   string    `json:"risk_level,omitempty"`
	FileCount   int       `json:"file_count"`
	AbsentCount int       `json:"absent_count"`
	BackupSize  int64     `json:"backup_size"`
	VCSMarker   string    `json:"vcs_marker,omitempty"`
}

// EventRecord is one persisted safety event
type EventRecord struct {
	ID          int64     `json:"id"`
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
