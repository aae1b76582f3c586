package store

import (
	"context"
	"strings"
)

// SearchMessages runs a full-text query over message content, newest first.
// A zero groupID searches every chat. Tombstoned messages never match.
func (db *DB) SearchMessages(ctx context.Context, query string, groupID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + prefixed("m.", messageColumns) + `,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.docid
		WHERE messages_fts MATCH ? AND m.is_deleted = 0`

	args := []any{query}
	if groupID != 0 {
		q += " AND m.group_id = ?"
		args = append(args, groupID)
	}
	q += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var snippet string
		m, err := scanMessage(snippetRow{rows, &snippet})
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet})
	}
	return results, rows.Err()
}

// snippetRow appends the snippet column to a message scan.
type snippetRow struct {
	row interface{ Scan(...any) error }
	dst *string
}

func (s snippetRow) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.dst)...)
}

// prefixed qualifies every column of a column list with a table alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
