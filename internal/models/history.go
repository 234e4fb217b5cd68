package models

import (
	"time"
)

// SyncKind classifies a sync-history record.
type SyncKind string

const (
	SyncKindMerge    SyncKind = "merge"
	SyncKindDeploy   SyncKind = "deploy"
	SyncKindDelete   SyncKind = "delete"
	SyncKindSettings SyncKind = "settings"
	SyncKindUpdate   SyncKind = "update"
	SyncKindHotspot  SyncKind = "hotspot"
	SyncKindRollback SyncKind = "rollback"
	SyncKindExpire   SyncKind = "expire"
	SyncKindBackup   SyncKind = "backup"
)

// SyncRecord is one entry in the on-disk sync history, the audit trail for
// every destructive operation the agent performs.
type SyncRecord struct {
	At     time.Time `json:"at"`
	Kind   SyncKind  `json:"kind"`
	Detail string    `json:"detail"`
	OK     bool      `json:"ok"`
}

// ConnState is the session state exposed to operators.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// ConnectionStatus is the current session state snapshot.
type ConnectionStatus struct {
	State     ConnState `json:"state"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
}
