package domain

import (
	"math"
	"strconv"
	"strings"
)

// Percent returns part/total as a rounded integer percentage in [0,100].
// A zero total yields 0.
func Percent(part, total int) int {
	if total <= 0 || part <= 0 {
		return 0
	}
	if part >= total {
		return 100
	}
	return int(math.Round(100 * float64(part) / float64(total)))
}

// CompareIDs orders dotted numeric ids ("1.10" after "1.9"), falling back to
// string order for non-numeric parts.
func CompareIDs(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil && ai != bi:
			if ai < bi {
				return -1
			}
			return 1
		case (aerr != nil || berr != nil) && as[i] != bs[i]:
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}
