package mem

import "golang.org/x/sys/unix"

// Darwin has neither MAP_POPULATE nor MAP_HUGETLB; superpages are not
// requested.
const hugePageSize = 2 << 20

func mapFlags(Flags) int { return 0 }

func advice(f Flags) []int {
	var a []int
	if f.Has(Sequential) {
		a = append(a, unix.MADV_SEQUENTIAL)
	}
	if f.Has(Random) {
		a = append(a, unix.MADV_RANDOM)
	}
	return a
}
