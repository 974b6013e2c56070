// Package backup takes consistent snapshots of the SQLite graph database,
// verifies them, restores from them and prunes old snapshots with a tiered
// retention policy.
package backup

import "time"

// filePrefix and fileExt frame every snapshot name:
// kinship-20060102-150405.000000.db.
const (
	filePrefix = "kinship-"
	fileExt    = ".db"
	timeLayout = "20060102-150405.000000"
)

// Options configures a Manager.
type Options struct {
	// Dir receives the snapshots. Created when missing.
	Dir string

	// Retention caps how many snapshots survive in each age tier.
	Retention RetentionPolicy

	// Verify runs an integrity check on every new snapshot.
	Verify bool
}

// RetentionPolicy is the number of snapshots kept per age tier:
// under a day, under a week, under 30 days and under a year. Older
// snapshots are always pruned. A zero field takes its default.
type RetentionPolicy struct {
	Hourly  int `json:"hourly"`  // default: 24
	Daily   int `json:"daily"`   // default: 7
	Weekly  int `json:"weekly"`  // default: 4
	Monthly int `json:"monthly"` // default: 12
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.Hourly <= 0 {
		p.Hourly = 24
	}
	if p.Daily <= 0 {
		p.Daily = 7
	}
	if p.Weekly <= 0 {
		p.Weekly = 4
	}
	if p.Monthly <= 0 {
		p.Monthly = 12
	}
	return p
}

// Info describes one snapshot on disk.
type Info struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Result reports a snapshot taken by Create.
type Result struct {
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
	Pruned   int           `json:"pruned"`
}
