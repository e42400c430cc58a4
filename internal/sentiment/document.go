// Package sentiment holds the domain values shared by providers, the poller
// and the result sink: documents to score and the scores they receive.
package sentiment

import (
	"strings"
	"time"
	"unicode/utf8"

	"sentimental/internal/apperrors"
)

// Truncation limits applied when canonicalising a document.
const (
	MaxBodyRunes    = 960
	MaxCommentRunes = 360
	// MaxTextBytes is the per-document size accepted by the bulk-file backend.
	MaxTextBytes = 5000
	ellipsis     = "..."
)

// Document is one unit of text to score. Documents are immutable once a job
// references them.
type Document struct {
	ID          string    `json:"id"`
	Keyword     string    `json:"keyword"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Comments    []string  `json:"comments"`
	PostURL     string    `json:"post_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExecutionID string    `json:"execution_id"`
}

// Validate checks the fields every provider relies on.
func (d *Document) Validate() error {
	if d.ID == "" {
		return apperrors.Validation("id", "document id is required")
	}
	if d.ExecutionID == "" {
		return apperrors.Validation("execution_id", "document "+d.ID+" has no execution id")
	}
	return nil
}

// Text returns the canonical single-line form sent to a scoring backend:
//
//	title: <title>; body: <body>; comments: <c1> - <c2> ...
//
// Newlines become periods so one document always occupies one line.
func (d *Document) Text() string {
	comments := make([]string, 0, len(d.Comments))
	for _, c := range d.Comments {
		comments = append(comments, sanitize(truncateRunes(c, MaxCommentRunes)))
	}

	var b strings.Builder
	b.WriteString("title: ")
	b.WriteString(sanitize(d.Title))
	b.WriteString("; body: ")
	b.WriteString(sanitize(truncateRunes(d.Body, MaxBodyRunes)))
	b.WriteString("; comments: ")
	b.WriteString(strings.Join(comments, " - "))

	return truncateBytes(b.String(), MaxTextBytes)
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", ".")
	s = strings.ReplaceAll(s, "\r", ".")
	return strings.ReplaceAll(s, "\n", ".")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + ellipsis
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
