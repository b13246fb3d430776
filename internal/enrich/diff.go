package enrich

// diffStats computes character add/delete counts between two versions of
// a file using common prefix/suffix trimming. This is deliberately cheap:
// the dashboard wants magnitudes, not edit scripts.
func diffStats(old, new string) (added, deleted int64) {
	if old == new {
		return 0, 0
	}

	// Common prefix.
	i := 0
	for i < len(old) && i < len(new) && old[i] == new[i] {
		i++
	}

	// Common suffix, not overlapping the prefix.
	j := 0
	for j < len(old)-i && j < len(new)-i && old[len(old)-1-j] == new[len(new)-1-j] {
		j++
	}

	return int64(len(new) - i - j), int64(len(old) - i - j)
}
