package ions

import (
	"math"
	"sort"
)

// MatchPeaks pairs every theoretical ion with the nearest observed
// peak within the tolerance; a tie between two peaks goes to the one
// with the smaller m/z. With unit PPM the tolerance scales with the
// theoretical m/z (tol*mz/1e6). Results keep the order of the
// theoretical ions. The input peaks may be in any order and are left
// untouched; matching works on a sorted copy.
func MatchPeaks(peaks []Peak, theo []Ion, tol float64, unit Unit) []Match {
	if len(peaks) == 0 || len(theo) == 0 {
		return nil
	}
	sorted := make([]Peak, len(peaks))
	copy(sorted, peaks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Mz < sorted[j].Mz })

	var matches []Match
	for _, ion := range theo {
		eff := tol
		if unit == PPM {
			eff = tol * ion.Mz / 1e6
		}
		// Only the two peaks around the insertion point can be nearest.
		// Checking the left one first resolves ties toward smaller m/z.
		i := sort.Search(len(sorted), func(k int) bool { return sorted[k].Mz >= ion.Mz })
		best := -1
		bestDiff := math.Inf(1)
		if i > 0 {
			if d := ion.Mz - sorted[i-1].Mz; d <= eff {
				best, bestDiff = i-1, d
			}
		}
		if i < len(sorted) {
			if d := sorted[i].Mz - ion.Mz; d <= eff && d < bestDiff {
				best, bestDiff = i, d
			}
		}
		if best >= 0 {
			matches = append(matches, Match{
				Label:      ion.Label,
				Charge:     ion.Charge,
				TheoMz:     ion.Mz,
				PeakMz:     sorted[best].Mz,
				PeakIntens: sorted[best].Intens,
				MassError:  bestDiff,
			})
		}
	}
	return matches
}
