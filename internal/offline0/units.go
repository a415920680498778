package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"gb", gib}, {"mb", mib}, {"kb", kib},
	{"g", gib}, {"m", mib}, {"k", kib},
	{"b", 1},
}

// parseBytes reads sizes like "512", "64k", "1.5mb" or "2G".
func parseBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range byteSuffixes {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = strings.TrimSpace(rest), u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	switch {
	case b < kib:
		return strconv.FormatUint(b, 10) + "b"
	case b < mib:
		return scaled(b, kib) + "kb"
	case b < gib:
		return scaled(b, mib) + "mb"
	}
	return scaled(b, gib) + "gb"
}

func scaled(b, unit uint64) string {
	return strings.TrimSuffix(strconv.FormatFloat(float64(b)/float64(unit), 'f', 1, 64), ".0")
}
