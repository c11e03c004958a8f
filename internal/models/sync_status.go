package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncState string

const (
	SyncStateIdle       SyncState = "idle"
	SyncStateInProgress SyncState = "in_progress"
	SyncStateCompleted  SyncState = "completed"
	SyncStateFailed     SyncState = "failed"
)

type SyncMode string

const (
	SyncModeForeground SyncMode = "sync"
	SyncModeBackground SyncMode = "async"
)

// SyncStatus records the latest run for a location. Starting a run takes the row
// over unconditionally; finishing only applies while RunID still matches.
type SyncStatus struct {
	ID         string         `gorm:"column:id;primaryKey"`
	LocationID string         `gorm:"column:location_id;uniqueIndex"`
	RunID      string         `gorm:"column:run_id"`
	State      SyncState      `gorm:"column:state;index"`
	Mode       SyncMode       `gorm:"column:mode"`
	Runs       int            `gorm:"column:runs"`
	StartedAt  *time.Time     `gorm:"column:started_at"`
	FinishedAt *time.Time     `gorm:"column:finished_at"`
	LastError  *string        `gorm:"column:last_error"`
	Result     datatypes.JSON `gorm:"column:result"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncStatus) TableName() string {
	return "sync_status"
}

// Terminal reports whether the state ends a run.
func (s SyncState) Terminal() bool {
	return s == SyncStateCompleted || s == SyncStateFailed
}
