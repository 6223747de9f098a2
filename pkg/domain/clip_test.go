package domain

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindPlainText, KindRichText, KindImage} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
	}
	if Kind("video").Valid() {
		t.Fatal("unknown kind should be invalid")
	}
}

func TestSearchableText(t *testing.T) {
	c := &Clip{Content: "primary"}
	if got := c.SearchableText(); got != "primary" {
		t.Fatalf("got %q", got)
	}
	c.ExtractedText = "derived"
	if got := c.SearchableText(); got != "primary derived" {
		t.Fatalf("got %q", got)
	}
	c.Content = ""
	if got := c.SearchableText(); got != "derived" {
		t.Fatalf("got %q", got)
	}
}

func TestErrCode(t *testing.T) {
	if Code(ErrClipNotFound) != "CLIP_NOT_FOUND" {
		t.Fatal("direct code lookup failed")
	}
	wrapped := errors.Wrap(ErrDecryptFailed, "reading clip 7")
	if Code(wrapped) != "DECRYPTION_FAILED" {
		t.Fatalf("wrapped code lookup failed: %s", Code(wrapped))
	}
	if Code(errors.New("plain")) != "INTERNAL_ERROR" {
		t.Fatal("unknown errors should map to INTERNAL_ERROR")
	}
	if Code(nil) != "" {
		t.Fatal("nil error should map to empty code")
	}
}
