package alloc

import (
	"math/bits"

	"github.com/mainmemory/mainmemory-go/internal/constants"
)

// encodeSize maps a requested allocation size to its size-class rank
// following spec §4.1: four ranks per power-of-two interval, rank 0
// covering sizes up to 4 bytes.
func encodeSize(n int) int {
	if n <= 4 {
		return 0
	}
	m := uint(n - 1)
	msb := bits.Len(m) - 1 // floor(log2(n-1))
	rank := (msb << 2) + int(m>>uint(msb-2)) - 11
	if rank < 0 {
		rank = 0
	}
	return rank
}

// rankSizes[r] is the largest allocation size that still maps to rank r —
// the size actually granted to any request that encodes to that rank.
var rankSizes = buildRankSizes()

func buildRankSizes() []int {
	sizes := make([]int, constants.LargeRankMax+1)
	cur, n := 0, 1
	for cur <= constants.LargeRankMax {
		if r := encodeSize(n); r > cur {
			sizes[cur] = n - 1
			cur++
			continue
		}
		n++
	}
	return sizes
}

// rankSize returns the size class, in bytes, for a non-huge rank.
func rankSize(rank int) int {
	if rank < 0 {
		return 0
	}
	if rank > constants.LargeRankMax {
		return 0 // huge: caller tracks its own exact size
	}
	return rankSizes[rank]
}

// isSmall, isMedium, isLarge, isHuge classify a rank per spec §3.
func isSmall(rank int) bool  { return rank <= constants.SmallRankMax }
func isMedium(rank int) bool { return rank > constants.SmallRankMax && rank <= constants.MediumRankMax }
func isLarge(rank int) bool  { return rank > constants.MediumRankMax && rank <= constants.LargeRankMax }
func isHuge(rank int) bool   { return rank >= constants.HugeRankBase }

// largeRankCount is the number of large-rank free lists the heap maintains
// (chunks[rank-40] in spec vocabulary).
const largeRankCount = constants.LargeRankMax - constants.MediumRankMax

func largeRankIndex(rank int) int { return rank - constants.MediumRankMax - 1 }
