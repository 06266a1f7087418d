package session

import (
	"strconv"
	"strings"
)

// versionLess reports whether client version a predates b. Versions
// are dotted integers ("1.4.2"), optionally v-prefixed; a missing or
// unparseable client version counts as outdated.
func versionLess(a, b string) bool {
	if a == "" {
		return true
	}
	as := versionSegments(a)
	bs := versionSegments(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func versionSegments(v string) []int {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	segs := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return segs[:i]
		}
		segs[i] = n
	}
	return segs
}
