package database

import "time"

// HNSW index parameters for 512-dim face templates
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to compensate for tombstoned templates filtered out of the results.
	HNSWSearchMultiplier = 3
)

// Entry window defaults applied when a ticket carries no per-ticket window.
const (
	DefaultWindowBefore = 3 * time.Hour
	DefaultWindowAfter  = time.Hour
)
