package lode

import (
	"context"
	"fmt"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// HistoryFilter narrows a History query. Empty fields match everything.
type HistoryFilter struct {
	SessionID string
	Location  string
	Status    string
	// Limit caps the number of records returned; zero means no cap.
	Limit int
}

func (f HistoryFilter) match(r BlockRecord) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Location != "" && r.Location != f.Location {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// History returns journal records newest first.
//
// Snapshot manifests are a coarse pre-filter on the partition keys; the
// record fields decide.
func History(ctx context.Context, ds lode.Dataset, filter HistoryFilter) ([]BlockRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, fmt.Sprintf("%s/snapshots", ds.ID()))
	}

	var out []BlockRecord
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatches(snap, "session", filter.SessionID) || !snapshotMatches(snap, "location", filter.Location) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}
		for j := len(data) - 1; j >= 0; j-- {
			m, ok := data[j].(map[string]any)
			if !ok {
				continue
			}
			rec, ok := recordFromMap(m)
			if !ok || !filter.match(rec) {
				continue
			}
			out = append(out, rec)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// snapshotMatches reports whether any file of snap lies in the key=value
// partition. An empty value matches every snapshot.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if hasPartition(f.Path, key, value) {
			return true
		}
	}
	return false
}

// hasPartition matches whole path segments so that session=s-1 does not
// match session=s-10.
func hasPartition(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
