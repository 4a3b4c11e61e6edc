package models

import "time"

// AdmissionLog records the outcome of one evaluated request. Rows are written
// asynchronously in batches and aggregated by the metrics reporter.
type AdmissionLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	CallerKey  string    `gorm:"index" json:"caller_key"`
	Endpoint   string    `gorm:"index" json:"endpoint"`
	Tier       string    `gorm:"index" json:"tier"`
	Allowed    bool      `gorm:"index" json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	FailedOpen bool      `json:"failed_open"`
	LatencyUs  int       `json:"latency_us"`
}

func (AdmissionLog) TableName() string {
	return "admission_logs"
}
