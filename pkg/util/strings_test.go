package util

import (
	"reflect"
	"testing"
)

func TestSplitCommaSeparated(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"  ", nil},
		{"bgp", []string{"bgp"}},
		{"bgp,ospf", []string{"bgp", "ospf"}},
		{"bgp, ospf ,, static", []string{"bgp", "ospf", "static"}},
		{"static,bgp,static", []string{"static", "bgp"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SplitCommaSeparated(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitCommaSeparated(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
