package db

import (
	"fmt"
	"strings"
)

// SearchResult is a verification matched by full-text search
type SearchResult struct {
	Verification
	Snippet string
}

// ftsQuery turns free text into an FTS5 prefix query: "alice 0x71" ->
// "alice"* "0x71"*. Terms are quoted so '@' and '.' in handles and
// addresses never reach the FTS5 parser as syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, len(terms))
	for i, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		quoted[i] = `"` + term + `"*`
	}
	return strings.Join(quoted, " ")
}

// SearchVerifications performs a full-text search over claims, senders,
// addresses, subjects and signing domains. An empty query lists the most
// recent rows.
func (db *DB) SearchVerifications(query string, limit, offset int) ([]*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		vs, err := db.ListVerifications(limit, offset)
		if err != nil {
			return nil, err
		}

		results := make([]*SearchResult, len(vs))
		for i, v := range vs {
			results[i] = &SearchResult{Verification: *v, Snippet: truncateText(v.ExtractedClaim, 200)}
		}
		return results, nil
	}

	cols := make([]string, 0, 17)
	for _, c := range strings.Split(verificationColumns, ",") {
		cols = append(cols, "v."+strings.TrimSpace(c))
	}

	sqlQuery := `
		SELECT ` + strings.Join(cols, ", ") + `,
			snippet(verifications_fts, -1, '[', ']', '...', 16) AS snippet
		FROM verifications v
		JOIN verifications_fts ON v.rowid = verifications_fts.rowid
		WHERE verifications_fts MATCH ?
		ORDER BY rank
		LIMIT ? OFFSET ?
	`

	rows, err := db.Query(sqlQuery, ftsQuery(query), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search verifications: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var snippet string
		v, err := scanVerification(rows, &snippet)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, &SearchResult{Verification: *v, Snippet: snippet})
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}

	return results, nil
}

// truncateText truncates text to maxLen characters
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
