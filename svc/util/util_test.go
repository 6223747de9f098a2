package util

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizeSearchText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Hello World", "hello world"},
		{"STRASSE", "strasse"},
		{"Straße", "strasse"},
		{"İstanbul", "i̇stanbul"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeSearchText(c.in); got != c.want {
			t.Errorf("NormalizeSearchText(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	// Composed and decomposed accents canonicalize to the same form.
	composed := NormalizeSearchText("café")
	decomposed := NormalizeSearchText("café")
	if composed != decomposed {
		t.Errorf("NFC mismatch: %q vs %q", composed, decomposed)
	}
}

func TestRedactClipContent(t *testing.T) {
	if got := RedactClipContent(""); got != "" {
		t.Errorf("empty = %q", got)
	}
	if got := RedactClipContent("short secret"); got != "[REDACTED]" {
		t.Errorf("short = %q", got)
	}
	long := "password=" + strings.Repeat("x", 40) + "=endtoken"
	got := RedactClipContent(long)
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("long = %q", got)
	}
	if strings.Contains(got, strings.Repeat("x", 20)) {
		t.Errorf("middle of content leaked: %q", got)
	}
}

func TestOpID(t *testing.T) {
	ctx := context.Background()
	generated := GetOpID(ctx)
	if generated == "" {
		t.Fatal("missing op id not generated")
	}

	ctx = SetOpID(ctx, "fixed-op")
	if got := GetOpID(ctx); got != "fixed-op" {
		t.Errorf("GetOpID = %q", got)
	}

	if NewOpID() == NewOpID() {
		t.Error("op ids collide")
	}
}

func TestWipe(t *testing.T) {
	b := []byte("sensitive key material")
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	Wipe(nil)
}
