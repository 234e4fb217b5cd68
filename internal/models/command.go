package models

import (
	"encoding/json"
)

// Command represents a remote command received from the central server
// or replayed from the offline queue.
type Command struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResultStatus represents the outcome of a command
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// CommandResult is reported back to the central server for every command.
type CommandResult struct {
	CommandID string       `json:"commandId"`
	Status    ResultStatus `json:"status"`
	Result    interface{}  `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Command types understood by the agent. The configured allow-list
// restricts which of these a site will actually execute.
const (
	CmdDeployVideo        = "deploy_video"
	CmdDeleteVideo        = "delete_video"
	CmdUpdateSoftware     = "update_software"
	CmdUpdateConfig       = "update_config"
	CmdReboot             = "reboot"
	CmdRestartService     = "restart_service"
	CmdGetLogs            = "get_logs"
	CmdGetSystemInfo      = "get_system_info"
	CmdGetConfig          = "get_config"
	CmdUpdateHotspot      = "update_hotspot"
	CmdGetHotspotConfig   = "get_hotspot_config"
	CmdUpdateSettings     = "update_settings"
	CmdNetworkDiagnostics = "network_diagnostics"
)

// DefaultAllowedCommands is the default command allow-list.
func DefaultAllowedCommands() []string {
	return []string{
		CmdDeployVideo,
		CmdDeleteVideo,
		CmdUpdateSoftware,
		CmdUpdateConfig,
		CmdReboot,
		CmdRestartService,
		CmdGetLogs,
		CmdGetSystemInfo,
		CmdGetConfig,
		CmdUpdateHotspot,
		CmdGetHotspotConfig,
		CmdUpdateSettings,
		CmdNetworkDiagnostics,
	}
}
