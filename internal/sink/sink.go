// Package sink writes score results to the results table. Writes are upserts
// keyed on (document_id, job_id), so storing the same job twice leaves one
// row per document.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"sentimental/internal/sentiment"
)

// batchSize bounds the rows per INSERT statement.
const batchSize = 500

// Row is one stored result: the score plus the document fields reported
// alongside it.
type Row struct {
	JobID               string
	DocumentID          string
	Keyword             string
	Source              string
	DocumentURL         string
	DocumentCreatedTime time.Time
	Sentiment           sentiment.Sentiment
	Scores              sentiment.Scores
}

// Sink persists result rows.
type Sink interface {
	// Upsert writes rows in one transaction. Re-writing a (document, job)
	// pair overwrites it. Failures wrap ErrSinkWrite.
	Upsert(ctx context.Context, rows []Row) error
}

// NewRows joins results with the documents they score. Results whose
// document is unknown are dropped, as is any result after the first for a
// (document, job) pair: one upsert statement cannot touch a key twice.
func NewRows(results []sentiment.ScoreResult, docs []sentiment.Document) []Row {
	byID := make(map[string]*sentiment.Document, len(docs))
	for i := range docs {
		byID[docs[i].ID] = &docs[i]
	}

	type key struct{ doc, job string }
	seen := make(map[key]struct{}, len(results))
	rows := make([]Row, 0, len(results))
	for _, r := range results {
		d, ok := byID[r.DocumentID]
		if !ok {
			continue
		}
		k := key{doc: r.DocumentID, job: r.JobID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		rows = append(rows, Row{
			JobID:               r.JobID,
			DocumentID:          r.DocumentID,
			Keyword:             d.Keyword,
			Source:              d.Source,
			DocumentURL:         d.PostURL,
			DocumentCreatedTime: d.CreatedAt.UTC(),
			Sentiment:           r.Sentiment,
			Scores:              r.Scores,
		})
	}
	return rows
}

var columns = []string{
	"keyword",
	"source",
	"document_created_time",
	"document_id",
	"document_url",
	"sentiment",
	"score_mixed",
	"score_positive",
	"score_neutral",
	"score_negative",
	"job_id",
}

// upsertStatement builds a multi-row INSERT ... ON CONFLICT DO UPDATE.
func upsertStatement(table string, format sq.PlaceholderFormat, rows []Row) (string, []any, error) {
	q := sq.Insert(table).Columns(columns...).PlaceholderFormat(format)
	for _, r := range rows {
		q = q.Values(
			r.Keyword,
			r.Source,
			r.DocumentCreatedTime,
			r.DocumentID,
			r.DocumentURL,
			string(r.Sentiment),
			r.Scores.Mixed,
			r.Scores.Positive,
			r.Scores.Neutral,
			r.Scores.Negative,
			r.JobID,
		)
	}

	set := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == "document_id" || c == "job_id" {
			continue
		}
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	q = q.Suffix("ON CONFLICT (document_id, job_id) DO UPDATE SET " + strings.Join(set, ", "))

	return q.ToSql()
}

// chunks splits rows into batches of at most batchSize.
func chunks(rows []Row) [][]Row {
	var out [][]Row
	for len(rows) > batchSize {
		out = append(out, rows[:batchSize])
		rows = rows[batchSize:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}
