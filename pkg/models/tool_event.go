package models

import "time"

// ToolCallRecord is the durable record of one tool invocation (§3). Status
// transitions are Pending -> Running -> (Success | Error | Cancelled); no
// other transition is legal.
type ToolCallRecord struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Args        map[string]any   `json:"args,omitempty"`
	Status      ToolResultStatus `json:"status"`
	Result      string           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Admit transitions a freshly created record to Pending.
func NewToolCallRecord(id, name string, args map[string]any) *ToolCallRecord {
	return &ToolCallRecord{
		ID:        id,
		Name:      name,
		Args:      args,
		StartedAt: time.Now(),
	}
}

// Complete marks the record terminal. Calling Complete twice is a bug in
// the caller (the dispatcher never does so) but is not guarded here since
// ToolCallRecord carries no internal synchronization.
func (r *ToolCallRecord) Complete(status ToolResultStatus, result, errMsg string) {
	now := time.Now()
	r.Status = status
	r.Result = result
	r.Error = errMsg
	r.CompletedAt = &now
}
