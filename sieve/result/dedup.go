package result

import "slices"

// DedupRuns removes from a every item equal to an item of b. The order of
// the survivors is kept and every contiguous run of removed items is
// deleted with a single operation; deletions counts those operations.
func DedupRuns[T any](a, b []T, eq func(x, y T) bool) (out []T, deletions int) {
	inB := func(x T) bool {
		for _, y := range b {
			if eq(x, y) {
				return true
			}
		}
		return false
	}

	out = slices.Clone(a)
	for i := len(out) - 1; i >= 0; {
		if !inB(out[i]) {
			i--
			continue
		}
		end := i + 1
		for i >= 0 && inB(out[i]) {
			i--
		}
		out = slices.Delete(out, i+1, end)
		deletions++
	}
	return out, deletions
}
