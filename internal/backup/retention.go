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

// listSnapshots lists kinship-*.db files in dir, newest first. The
// creation time comes from the file name; files whose name doesn't parse
// fall back to their modification time.
func listSnapshots(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read snapshot directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		created, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil {
			created = fi.ModTime()
		}
		out = append(out, Info{Path: filepath.Join(dir, name), CreatedAt: created.UTC(), Size: fi.Size()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// expired picks the snapshots the policy drops at now. snapshots must be
// sorted newest first.
func expired(snapshots []Info, policy RetentionPolicy, now time.Time) []Info {
	tiers := []struct {
		maxAge time.Duration
		keep   int
	}{
		{24 * time.Hour, policy.Hourly},
		{7 * 24 * time.Hour, policy.Daily},
		{30 * 24 * time.Hour, policy.Weekly},
		{365 * 24 * time.Hour, policy.Monthly},
	}
	kept := make([]int, len(tiers))

	var drop []Info
	for _, s := range snapshots {
		age := now.Sub(s.CreatedAt)
		tier := -1
		for i, t := range tiers {
			if age < t.maxAge {
				tier = i
				break
			}
		}
		if tier < 0 || kept[tier] >= tiers[tier].keep {
			drop = append(drop, s)
			continue
		}
		kept[tier]++
	}
	return drop
}

// prune deletes expired snapshots and returns how many were removed.
func (m *Manager) prune(now time.Time) (int, error) {
	snapshots, err := listSnapshots(m.dir)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, s := range expired(snapshots, m.retention, now) {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
