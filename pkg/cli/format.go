// Package cli provides shared formatting helpers for the newtops commands.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR is set (no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + ansiReset
}

// Green marks successful outcomes.
func Green(s string) string { return paint(ansiGreen, s) }

// Yellow marks warnings and skipped work.
func Yellow(s string) string { return paint(ansiYellow, s) }

// Red marks failures.
func Red(s string) string { return paint(ansiRed, s) }

// Bold is used for device names and summary labels.
func Bold(s string) string { return paint(ansiBold, s) }

// Dim is used for timestamps.
func Dim(s string) string { return paint(ansiDim, s) }

// DotPad left-aligns a check name in a dotted field of the given width, so
// that the statuses after it line up:
//
//	reachability ....... fail: connection refused
//	disk-space ......... warn: 812 MB free
//
// Names that do not fit are returned unchanged.
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	return name + " " + strings.Repeat(".", width-len(name)-1)
}

// Status colours an outcome label: green for pass and succeeded, yellow for
// warn, red for fail and failed. Other labels are returned unchanged.
func Status(label string) string {
	switch strings.ToLower(label) {
	case "pass", "succeeded", "ok":
		return Green(label)
	case "warn", "skipped":
		return Yellow(label)
	case "fail", "failed", "error":
		return Red(label)
	}
	return label
}
