package search

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"huddle/api/internal/store"
)

const snippetRadius = 60

// PgSearch implements Searcher using the relational store's ILIKE scan as a
// fallback when Meilisearch is unavailable.
type PgSearch struct {
	store *store.PostgresStore
}

// NewPgSearch creates a Postgres-backed searcher.
func NewPgSearch(s *store.PostgresStore) *PgSearch {
	return &PgSearch{store: s}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search scans the channel's messages for the query text. Trashed messages
// are excluded by the store query.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, total, err := p.store.SearchMessages(ctx, q.ChannelID, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		results = append(results, Result{
			ID:         msg.ID,
			ChannelID:  msg.ChannelID,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Snippet:    makeSnippet(msg.Content, q.Text),
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
		})
	}
	return results, total, nil
}

// makeSnippet excerpts the content around the first match and wraps the
// matched text in the same <mark> tags the primary searcher emits. All byte
// offsets used for slicing are offsets into content itself; lowercasing can
// change a rune's UTF-8 width, so offsets into the lowered copy never touch
// the original string.
func makeSnippet(content, query string) string {
	needle := strings.ToLower(strings.TrimSpace(query))
	start, end := findFold(content, needle)
	if start < 0 {
		if len(content) > 2*snippetRadius {
			return content[:runeFloor(content, 2*snippetRadius)] + "…"
		}
		return content
	}

	cutStart := runeFloor(content, start-snippetRadius)
	cutEnd := runeCeil(content, end+snippetRadius)

	var b strings.Builder
	if cutStart > 0 {
		b.WriteString("…")
	}
	b.WriteString(content[cutStart:start])
	b.WriteString("<mark>")
	b.WriteString(content[start:end])
	b.WriteString("</mark>")
	b.WriteString(content[end:cutEnd])
	if cutEnd < len(content) {
		b.WriteString("…")
	}
	return b.String()
}

// findFold locates the first case-insensitive occurrence of needle (already
// lowercased) in content and returns its byte range in content, or -1, -1.
func findFold(content, needle string) (int, int) {
	var lowered strings.Builder
	lowered.Grow(len(content))
	// offsets[i] is the content offset of the rune that produced byte i of
	// the lowered string, with a final sentinel of len(content).
	offsets := make([]int, 0, len(content)+1)
	for i, r := range content {
		low := unicode.ToLower(r)
		for n := utf8.RuneLen(low); n > 0; n-- {
			offsets = append(offsets, i)
		}
		lowered.WriteRune(low)
	}
	offsets = append(offsets, len(content))

	at := strings.Index(lowered.String(), needle)
	if at < 0 {
		return -1, -1
	}
	return offsets[at], offsets[at+len(needle)]
}

// runeFloor clamps a byte offset into s to the nearest rune start at or
// before it.
func runeFloor(s string, at int) int {
	if at < 0 {
		return 0
	}
	for at > 0 && !utf8.RuneStart(s[at]) {
		at--
	}
	return at
}

// runeCeil clamps a byte offset into s to the nearest rune start at or
// after it.
func runeCeil(s string, at int) int {
	if at > len(s) {
		return len(s)
	}
	for at < len(s) && !utf8.RuneStart(s[at]) {
		at++
	}
	return at
}
