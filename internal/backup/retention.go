package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// List returns the backup files in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed since ReadDir
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// ApplyRetention removes the backups in dir that policy does not keep, as of
// now, and returns the removed paths.
func ApplyRetention(dir string, policy RetentionPolicy, now time.Time) ([]string, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}

	var hourly, daily, weekly, monthly, expired []Info
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			expired = append(expired, b)
		}
	}

	doomed := expired
	doomed = append(doomed, beyond(hourly, policy.Hourly)...)
	doomed = append(doomed, beyond(daily, policy.Daily)...)
	doomed = append(doomed, beyond(weekly, policy.Weekly)...)
	doomed = append(doomed, beyond(monthly, policy.Monthly)...)

	var removed []string
	var errs []error
	for _, b := range doomed {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, b.Path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return removed, nil
}

// beyond returns the entries of a newest-first tier past its limit.
func beyond(tier []Info, keep int) []Info {
	if keep < 0 {
		keep = 0
	}
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}

// DiskUsage returns the total size of the backups in dir.
func DiskUsage(dir string) (int64, error) {
	backups, err := List(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.Size
	}
	return total, nil
}
