// Package backup takes and restores point-in-time copies of the sqlite
// model store, and prunes old copies with a tiered retention policy.
package backup

import (
	"time"
)

// FilePrefix and FileExt name the files Create writes.
const (
	FilePrefix = "cloudml-"
	FileExt    = ".db"
)

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
//
// Backups older than a year are always removed.
type RetentionPolicy struct {
	Hourly  int `yaml:"hourly"`
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
}

// DefaultRetention keeps a day of hourly copies, a week of dailies, a month
// of weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info contains metadata about a backup file.
type Info struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Result describes a completed backup.
type Result struct {
	Path     string
	Duration time.Duration
	Size     int64
	Verified bool
}
