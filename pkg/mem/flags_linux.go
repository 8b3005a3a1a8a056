package mem

import "golang.org/x/sys/unix"

const hugePageSize = 2 << 20

func mapFlags(f Flags) int {
	var fl int
	if f.Has(Populate) {
		fl |= unix.MAP_POPULATE
	}
	if f.Has(HugePages) {
		fl |= unix.MAP_HUGETLB
	}
	return fl
}

func advice(f Flags) []int {
	var a []int
	if f.Has(Sequential) {
		a = append(a, unix.MADV_SEQUENTIAL)
	}
	if f.Has(Random) {
		a = append(a, unix.MADV_RANDOM)
	}
	if f.Has(TransparentHugePages) {
		a = append(a, unix.MADV_HUGEPAGE)
	}
	return a
}
