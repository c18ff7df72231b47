package domain

import "time"

// MaintenanceJobKind names a periodic background job. The engine runs these
// only on the process that holds the web lock's owner role (see §4.11, §5).
type MaintenanceJobKind string

const (
	JobRetention       MaintenanceJobKind = "retention"
	JobDeduplication   MaintenanceJobKind = "deduplication"
	JobMigrationDetect MaintenanceJobKind = "migration_detect"
)

// MaintenanceRun records one execution of a maintenance job for observability.
type MaintenanceRun struct {
	Job       MaintenanceJobKind `json:"job"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Detail    map[string]int     `json:"detail,omitempty"` // e.g. {"deleted": 4}
}
