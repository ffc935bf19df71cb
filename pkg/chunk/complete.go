package chunk

import (
	"sort"

	"permagate/pkg/types"
)

// Complete reports whether locs cover [0, size) exactly, with no gaps or
// overlaps. It returns the locations sorted by offset.
func Complete(size int64, locs []types.ChunkLocation) ([]types.ChunkLocation, bool) {
	if size <= 0 || len(locs) == 0 {
		return nil, false
	}

	sorted := make([]types.ChunkLocation, len(locs))
	copy(sorted, locs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var next, total int64
	for _, loc := range sorted {
		if loc.ChunkSize <= 0 || loc.Offset != next {
			return sorted, false
		}
		next = loc.Offset + loc.ChunkSize
		total += loc.ChunkSize
	}
	return sorted, total == size
}
