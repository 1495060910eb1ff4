package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity recomputes stock from the transaction ledger
	// and compares it against the materialized stock levels.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskAuditCleanup prunes audit log entries past the retention window.
	TaskAuditCleanup = "audit:cleanup"
)

// LedgerIntegrityPayload parameterizes a ledger integrity scan.
type LedgerIntegrityPayload struct {
	// ProductKey limits the scan to one product; empty scans everything.
	ProductKey string `json:"product_key,omitempty"`
}

// NewLedgerIntegrityTask constructs an Asynq task for an integrity scan.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// AuditCleanupPayload parameterizes audit log retention cleanup.
type AuditCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewAuditCleanupTask constructs an Asynq task for audit log cleanup.
func NewAuditCleanupTask(payload AuditCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditCleanup, data), nil
}
