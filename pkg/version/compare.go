package version

import "strings"

// Ordering is the result of comparing two version strings.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	}
	return "unknown"
}

// Compare orders two dot/dash delimited version strings such as
// "4.0.0-202311" or "21.2R3-S1.7". Each string is split on '.' and '-';
// corresponding parts are compared as integers when both are numeric,
// otherwise lexically. When one version is a prefix of the other, the
// shorter one is Less. Surrounding whitespace is ignored.
func Compare(a, b string) Ordering {
	pa := split(a)
	pb := split(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if o := comparePart(pa[i], pb[i]); o != Equal {
			return o
		}
	}
	switch {
	case len(pa) < len(pb):
		return Less
	case len(pa) > len(pb):
		return Greater
	}
	return Equal
}

// Same reports whether a and b compare Equal.
func Same(a, b string) bool {
	return Compare(a, b) == Equal
}

func split(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '-'
	})
}

// comparePart orders two all-digit parts numerically at any length, and
// anything else lexically.
func comparePart(x, y string) Ordering {
	if isDigits(x) && isDigits(y) {
		x = strings.TrimLeft(x, "0")
		y = strings.TrimLeft(y, "0")
		switch {
		case len(x) < len(y):
			return Less
		case len(x) > len(y):
			return Greater
		}
	}
	switch {
	case x < y:
		return Less
	case x > y:
		return Greater
	}
	return Equal
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
