package rules

import "slices"

// NextID returns the smallest positive integer not in ids. Ordinary and
// whitelist rules share one ID space, so callers pass every persisted ID.
func NextID(ids []int) int {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	next := 1
	for _, id := range sorted {
		switch {
		case id < next:
			// duplicates and non-positive values
		case id == next:
			next++
		default:
			return next
		}
	}
	return next
}

// IDs returns the IDs of records.
func IDs(records []Record) []int {
	ids := make([]int, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
