// Package aggregate downsamples the historical series into fixed-width,
// hour-anchored buckets for charting long windows.
package aggregate

import (
	"log/slog"
	"sort"
	"time"

	"github.com/cptspacemanspiff/vitals-monitor/internal/storage"
)

// Buckets groups records into bucketMinutes-wide buckets and returns one
// record per bucket holding the mean of each metric, oldest bucket first.
//
// Bucket edges are anchored to the top of the hour, so overlapping queries
// produce identical edges. bucketMinutes should divide 60; other values are
// accepted but leave a short last bucket in every hour. Values below 1 are
// treated as 1. Records with unparseable timestamps are logged and skipped.
func Buckets(logger *slog.Logger, records []storage.Record, bucketMinutes int) []storage.Record {
	if bucketMinutes < 1 {
		bucketMinutes = 1
	}

	type bucket struct {
		start time.Time
		sum   storage.Record
		n     int
	}
	byKey := make(map[time.Time]*bucket)
	for _, r := range records {
		ts, err := r.Time()
		if err != nil {
			logger.Warn("skip record with malformed timestamp", "id", r.ID, "timestamp", r.Timestamp, "err", err)
			continue
		}
		key := bucketStart(ts, bucketMinutes)
		b, ok := byKey[key]
		if !ok {
			b = &bucket{start: key}
			byKey[key] = b
		}
		b.sum.CPUUsage += r.CPUUsage
		b.sum.MemoryUsed += r.MemoryUsed
		b.sum.MemoryTotal += r.MemoryTotal
		b.sum.MemoryAvailable += r.MemoryAvailable
		b.n++
	}

	ordered := make([]*bucket, 0, len(byKey))
	for _, b := range byKey {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].start.Before(ordered[j].start)
	})

	out := make([]storage.Record, 0, len(ordered))
	for _, b := range ordered {
		n := float64(b.n)
		out = append(out, storage.Record{
			Timestamp:       storage.FormatTimestamp(b.start),
			CPUUsage:        b.sum.CPUUsage / n,
			MemoryUsed:      b.sum.MemoryUsed / n,
			MemoryTotal:     b.sum.MemoryTotal / n,
			MemoryAvailable: b.sum.MemoryAvailable / n,
		})
	}
	return out
}

// bucketStart truncates ts to its local hour and adds the whole buckets that
// fit into its minute of the hour.
func bucketStart(ts time.Time, bucketMinutes int) time.Time {
	minute := (ts.Minute() / bucketMinutes) * bucketMinutes
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), minute, 0, 0, ts.Location())
}

// BucketFor suggests a bucket width in minutes for charting a window. Every
// suggestion divides 60.
func BucketFor(window time.Duration) int {
	switch {
	case window <= time.Hour:
		return 1
	case window <= 3*time.Hour:
		return 5
	case window <= 6*time.Hour:
		return 10
	case window <= 24*time.Hour:
		return 30
	default:
		return 60
	}
}
