// internal/protocol/types.go
package protocol

import "github.com/signalnine/remotepower/internal/eventlog"

// StateResponse is returned by the control API for state queries and
// lifecycle calls.
type StateResponse struct {
	Running   bool     `json:"running"`
	Port      uint16   `json:"port"`
	MachineID string   `json:"machine_id"`
	Commands  []string `json:"commands"`
	Pending   int      `json:"pending_actions"`
}

// LogsResponse carries the event log, newest first
type LogsResponse struct {
	Entries []eventlog.Entry `json:"entries"`
}

// ConfigRequest is the body of PUT /api/config
type ConfigRequest struct {
	Port      *uint16 `json:"port"`
	MachineID *string `json:"machine_id"`
}

// ErrorResponse is the body of every non-2xx control API reply
type ErrorResponse struct {
	Error string `json:"error"`
}
