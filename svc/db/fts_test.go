package db

import (
	"context"
	"testing"
	"time"

	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

func indexedClip(t *testing.T, s *SQLite, content string) int64 {
	t.Helper()
	return insertClipText(t, s, content, util.NormalizeSearchText(content))
}

func insertClipText(t *testing.T, s *SQLite, content, searchText string) int64 {
	t.Helper()
	clip := &domain.Clip{
		Kind:          domain.KindPlainText,
		CipherPayload: []byte("cipher:" + content),
		CreatedAt:     time.Now(),
	}
	id, err := s.Insert(context.Background(), clip, searchText)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestMatchPrecision(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	idFox := indexedClip(t, s, "The quick brown fox")
	indexedClip(t, s, "Lorem ipsum dolor")
	idBoth := indexedClip(t, s, "fox hunting season")

	ids, err := s.Match(ctx, "fox")
	if err != nil {
		t.Fatal(err)
	}
	if !containsAll(ids, idFox, idBoth) || len(ids) != 2 {
		t.Fatalf("match ids = %v", ids)
	}

	ids, err = s.Match(ctx, "walrus")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("no-match query returned %v", ids)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	id := indexedClip(t, s, "Straße nach BERLIN")

	for _, q := range []string{"strasse", "STRASSE", "berlin", "Berlin"} {
		ids, err := s.Match(ctx, q)
		if err != nil {
			t.Fatalf("query %q: %v", q, err)
		}
		if len(ids) != 1 || ids[0] != id {
			t.Fatalf("query %q: ids = %v", q, ids)
		}
	}
}

func TestMatchPrefix(t *testing.T) {
	s := newTestDB(t)
	id := indexedClip(t, s, "kubernetes deployment manifest")

	ids, err := s.Match(context.Background(), "kuber deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("prefix query ids = %v", ids)
	}
}

func TestMatchMultiTokenRequiresAll(t *testing.T) {
	s := newTestDB(t)
	indexedClip(t, s, "red apple")
	idBoth := indexedClip(t, s, "red banana split")

	ids, err := s.Match(context.Background(), "red banana")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != idBoth {
		t.Fatalf("multi-token ids = %v", ids)
	}
}

func TestMatchNeutralizesOperators(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	indexedClip(t, s, "plain content")

	// None of these may surface an FTS5 syntax error.
	queries := []string{
		`"unbalanced`,
		`AND OR NOT`,
		`col:value`,
		`(paren*`,
		`term" OR "other`,
		`-`,
		`*`,
	}
	for _, q := range queries {
		if _, err := s.Match(ctx, q); err != nil {
			t.Fatalf("query %q errored: %v", q, err)
		}
	}
}

func TestMatchEmptyAndWhitespaceQuery(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	indexedClip(t, s, "anything at all")

	for _, q := range []string{"", "   ", "\t\n"} {
		ids, err := s.Match(ctx, q)
		if err != nil {
			t.Fatalf("query %q: %v", q, err)
		}
		if len(ids) != 0 {
			t.Fatalf("query %q matched %v", q, ids)
		}
	}
}

func TestEscapeMatchQuery(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"fox", `"fox"*`},
		{"quick fox", `"quick"* "fox"*`},
		{`say "hi"`, `"say"* """hi"""*`},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := EscapeMatchQuery(c.in); got != c.want {
			t.Errorf("EscapeMatchQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDeleteRemovesIndexEntry(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	id := indexedClip(t, s, "ephemeral note")

	if _, err := s.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	ids, err := s.Match(ctx, "ephemeral")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("deleted clip still indexed: %v", ids)
	}
	count, err := s.IndexCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("index count = %d after delete", count)
	}
}

func TestBulkDeleteRemovesIndexEntries(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		indexedClip(t, s, "transient scratch text")
	}

	deleted, err := s.DeleteAll(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 10 {
		t.Fatalf("deleted %d, want 10", deleted)
	}
	count, err := s.IndexCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("index count = %d after bulk delete", count)
	}
}

func TestIndexRebuildPrimitives(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	id := indexedClip(t, s, "alpha beta")

	if err := s.ClearIndex(ctx); err != nil {
		t.Fatal(err)
	}
	ids, err := s.Match(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("cleared index still matched %v", ids)
	}

	if err := s.IndexClip(ctx, id, util.NormalizeSearchText("alpha beta")); err != nil {
		t.Fatal(err)
	}
	// A repeated rebuild of the same row must not duplicate entries.
	if err := s.IndexClip(ctx, id, util.NormalizeSearchText("alpha beta")); err != nil {
		t.Fatal(err)
	}
	count, err := s.IndexCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("index count = %d after re-index", count)
	}
	ids, err = s.Match(ctx, "beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("rebuilt index ids = %v", ids)
	}
}

func TestDeindexClip(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	id := indexedClip(t, s, "gamma delta")

	if err := s.DeindexClip(ctx, id); err != nil {
		t.Fatal(err)
	}
	ids, err := s.Match(ctx, "gamma")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("deindexed clip still matched %v", ids)
	}
	// Deindexing an absent row is a no-op.
	if err := s.DeindexClip(ctx, 9999); err != nil {
		t.Fatal(err)
	}
}

func containsAll(ids []int64, want ...int64) bool {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
