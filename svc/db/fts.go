package db

import (
	"context"
	"strings"

	"clipvault/pkg/domain"
	"clipvault/svc/util"

	"github.com/pkg/errors"
)

// Match returns the ids of clips whose indexed text contains every token
// of query. User input is neutralized by double-quoting each token, so
// FTS5 operators and stray quotes cannot raise a syntax error; a query
// that escapes to nothing matches nothing.
func (s *SQLite) Match(ctx context.Context, query string) ([]int64, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	escaped := EscapeMatchQuery(util.NormalizeSearchText(query))
	if escaped == "" {
		return nil, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT rowid FROM clips_fts WHERE clips_fts MATCH ?`, escaped)
	if err != nil {
		// FTS5 reports residual malformed queries as errors; the contract
		// is an empty result set, never a surfaced syntax error.
		if strings.Contains(err.Error(), "fts5: syntax error") ||
			strings.Contains(err.Error(), "malformed MATCH") {
			return nil, nil
		}
		s.recordError(err)
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	return ids, nil
}

// EscapeMatchQuery turns free-form user text into a safe FTS5 query:
// each whitespace-separated token becomes a quoted prefix term, with
// embedded double quotes doubled per the FTS5 string syntax.
func EscapeMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"*`)
	}
	return strings.Join(terms, " ")
}

// IndexClip writes or replaces the index entry for id. Outside of the
// transactional insert path this is only used by the rebuild.
func (s *SQLite) IndexClip(ctx context.Context, id int64, searchText string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(queryCtx, `DELETE FROM clips_fts WHERE rowid = ?`, id); err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	_, err := s.db.ExecContext(queryCtx,
		`INSERT INTO clips_fts(rowid, content) VALUES (?, ?)`, id, searchText)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return nil
}

// DeindexClip drops the index entry for id if present.
func (s *SQLite) DeindexClip(ctx context.Context, id int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM clips_fts WHERE rowid = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return nil
}

// IndexCount reports how many index entries exist. An empty index over a
// non-empty clips table signals that a rebuild is due.
func (s *SQLite) IndexCount(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM clips_fts`).Scan(&count)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return count, nil
}

// ClearIndex drops every index entry ahead of a rebuild.
func (s *SQLite) ClearIndex(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM clips_fts`)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return nil
}
