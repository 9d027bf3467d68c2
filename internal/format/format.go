// Package format renders notification payloads. Every function here is
// pure: output depends only on the arguments.
package format

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// TruncationMarker ends a payload whose body was cut to fit the bound.
	TruncationMarker = "\n\n... (message truncated)"

	// DefaultMaxLength is the Telegram sendMessage limit with some headroom.
	DefaultMaxLength = 4000

	// MinMaxLength is the smallest bound a Formatter accepts.
	MinMaxLength = 200

	TimeLayout = "2006-01-02 15:04:05 MST"

	maxSenderRunes  = 200
	maxSubjectRunes = 300
)

// Alert is the input for one message notification.
type Alert struct {
	Sender   string
	Subject  string
	Body     string
	Date     time.Time // message date; Timestamp is used when zero
	Degraded bool
}

// Formatter bounds alert payloads to MaxLength runes. With MaxSegments
// greater than one, long bodies are split into numbered parts instead of
// being cut after the first.
type Formatter struct {
	MaxLength   int
	MaxSegments int
	Location    *time.Location
}

func (f Formatter) maxLength() int {
	switch {
	case f.MaxLength <= 0:
		return DefaultMaxLength
	case f.MaxLength < MinMaxLength:
		return MinMaxLength
	}
	return f.MaxLength
}

func (f Formatter) stamp(t time.Time) string {
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimeLayout)
}

// header clips the sender and subject in proportion to limit so that the
// header always leaves room for the time line and the truncation marker.
func (f Formatter) header(a Alert, now time.Time, limit int) string {
	when := a.Date
	if when.IsZero() {
		when = now
	}
	sender := strings.TrimSpace(a.Sender)
	if sender == "" {
		sender = "(unknown sender)"
	}
	subject := strings.TrimSpace(a.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("📧 New Email Alert\n\nFrom: %s\nSubject: %s\nTime: %s\n\n",
		clip(sender, min(maxSenderRunes, limit/5)), clip(subject, min(maxSubjectRunes, limit/4)), f.stamp(when))
}

// Format renders a as one or more payloads, each at most MaxLength runes.
// now is used as the displayed time when the message carries no date.
func (f Formatter) Format(a Alert, now time.Time) []string {
	limit := f.maxLength()
	head := f.header(a, now, limit)
	body := strings.TrimSpace(a.Body)
	if body == "" {
		body = "(empty message)"
	}

	full := head + body
	if utf8.RuneCountInString(full) <= limit {
		return []string{full}
	}

	if f.MaxSegments > 1 {
		if pages, ok := f.paginate(head, body, limit); ok {
			return pages
		}
	}
	return []string{truncate(full, limit)}
}

func (f Formatter) paginate(head, body string, limit int) ([]string, bool) {
	widest := pageMarker(f.MaxSegments, f.MaxSegments)
	avail := limit - utf8.RuneCountInString(head) - utf8.RuneCountInString(widest)
	if avail < utf8.RuneCountInString(TruncationMarker)*2 {
		return nil, false
	}

	chunks := split([]rune(body), avail)
	if len(chunks) > f.MaxSegments {
		chunks = chunks[:f.MaxSegments]
		last := string(chunks[len(chunks)-1])
		chunks[len(chunks)-1] = []rune(truncate(last+TruncationMarker, avail))
	}

	pages := make([]string, len(chunks))
	for i, c := range chunks {
		pages[i] = head + pageMarker(i+1, len(chunks)) + string(c)
	}
	return pages, true
}

func pageMarker(i, n int) string {
	return fmt.Sprintf("(part %d/%d)\n\n", i, n)
}

// split cuts body into chunks of at most size runes, preferring to break
// after a newline in the second half of a chunk.
func split(body []rune, size int) [][]rune {
	var out [][]rune
	for len(body) > size {
		cut := size
		for i := size - 1; i >= size/2; i-- {
			if body[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, trimRunes(body[:cut]))
		body = body[cut:]
	}
	if len(trimRunes(body)) > 0 || len(out) == 0 {
		out = append(out, trimRunes(body))
	}
	return out
}

func trimRunes(r []rune) []rune {
	return []rune(strings.TrimSpace(string(r)))
}

// truncate cuts s so that s plus TruncationMarker fits in limit runes.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	return strings.TrimRight(string(r[:keep]), " \n\t") + TruncationMarker
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
