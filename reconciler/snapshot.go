// Package reconciler tracks remote download and install operations by
// polling a progress endpoint and reconciling the response against a local
// registry of tracked operations. The backend never pushes a terminal event:
// an operation that stops appearing in the listing is presumed finished, so
// completion is detected with one poll interval of latency.
package reconciler

import (
	"context"
	"log"
)

// SnapshotStatus is the status of one backend operation as reported by the
// progress listing.
type SnapshotStatus string

const (
	SnapPending     SnapshotStatus = "pending"
	SnapDownloading SnapshotStatus = "downloading"
	SnapInstalling  SnapshotStatus = "installing"
	SnapCompleted   SnapshotStatus = "completed"
	SnapStopped     SnapshotStatus = "stopped"
	SnapError       SnapshotStatus = "error"
)

// OperationSnapshot is one entry of a progress listing. Snapshots are
// produced fresh on every poll and discarded after reconciliation.
type OperationSnapshot struct {
	OperationID string
	Progress    float64 // 0-100
	Status      SnapshotStatus
}

// SnapshotFunc fetches the current set of in-flight backend operations. An
// empty slice means nothing is in flight.
type SnapshotFunc func(ctx context.Context) ([]OperationSnapshot, error)

// ParseStatus normalizes a wire status string. Unknown values map to error
// rather than failing the cycle.
func ParseStatus(s string) SnapshotStatus {
	switch SnapshotStatus(s) {
	case SnapPending, SnapDownloading, SnapInstalling, SnapCompleted, SnapStopped, SnapError:
		return SnapshotStatus(s)
	default:
		log.Printf("unknown operation status %q, treating as error", s)
		return SnapError
	}
}

// ClampProgress bounds a progress value to [0,100]. Out-of-range values are
// a backend data error, logged and clamped rather than fatal.
func ClampProgress(p float64) float64 {
	if p < 0 {
		log.Printf("progress %v out of range, clamping to 0", p)
		return 0
	}
	if p > 100 {
		log.Printf("progress %v out of range, clamping to 100", p)
		return 100
	}
	return p
}
