// Copyright 2024-2026 Aiku AI

package gateway

import (
	"reflect"
	"testing"
)

func TestParseCTCPAction(t *testing.T) {
	t.Parallel()
	text, ok := parseCTCPAction("\x01ACTION waves\x01")
	if !ok || text != "waves" {
		t.Errorf("got %q, %v", text, ok)
	}
	if _, ok := parseCTCPAction("just text"); ok {
		t.Error("plain text detected as action")
	}
	if _, ok := parseCTCPAction("\x01VERSION\x01"); ok {
		t.Error("other CTCP detected as action")
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"single", "single"},
		{"first\nsecond", "first | second"},
		{"first\r\nsecond\rthird", "first | second | third"},
		{"  padded  \n\n  lines  ", "padded | lines"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := oneLine(tc.in); got != tc.want {
			t.Errorf("oneLine(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitLines(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"one", []string{"one"}},
		{"a\nb", []string{"a", "b"}},
		{"a\n\nb", []string{"a", " ", "b"}},
		{"\ntrimmed\n", []string{"trimmed"}},
		{"", nil},
	}
	for _, tc := range cases {
		if got := splitLines(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitLines(%q): got %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestUserPrefix(t *testing.T) {
	t.Parallel()
	p := userPrefix("Alice")
	if p.Name != "Alice" || p.User != "alice" || p.Host != "workspace" {
		t.Errorf("prefix: got %+v", p)
	}
}
