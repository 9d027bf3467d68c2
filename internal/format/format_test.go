package format

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func TestFormat_ShortMessage(t *testing.T) {
	f := Formatter{Location: time.UTC}
	out := f.Format(Alert{
		Sender:  "Ops <ops@example.com>",
		Subject: "Disk full",
		Body:    "  /var is at 99%  \n",
	}, fixedNow)

	require.Len(t, out, 1)
	assert.Equal(t, "📧 New Email Alert\n\n"+
		"From: Ops <ops@example.com>\n"+
		"Subject: Disk full\n"+
		"Time: 2024-05-01 09:30:00 UTC\n\n"+
		"/var is at 99%", out[0])
}

func TestFormat_UsesMessageDate(t *testing.T) {
	f := Formatter{Location: time.UTC}
	date := time.Date(2023, 12, 24, 18, 0, 0, 0, time.UTC)
	out := f.Format(Alert{Sender: "a@b.c", Subject: "s", Body: "b", Date: date}, fixedNow)
	assert.Contains(t, out[0], "Time: 2023-12-24 18:00:00 UTC")
}

func TestFormat_EmptyFields(t *testing.T) {
	out := Formatter{}.Format(Alert{}, fixedNow)
	assert.Contains(t, out[0], "From: (unknown sender)")
	assert.Contains(t, out[0], "Subject: (no subject)")
	assert.True(t, strings.HasSuffix(out[0], "(empty message)"))
}

func TestFormat_TruncatesToBound(t *testing.T) {
	f := Formatter{MaxLength: 500}
	body := strings.Repeat("é", 10000)
	out := f.Format(Alert{Sender: "a@b.c", Subject: "big", Body: body}, fixedNow)

	require.Len(t, out, 1)
	assert.LessOrEqual(t, utf8.RuneCountInString(out[0]), 500)
	assert.True(t, strings.HasSuffix(out[0], TruncationMarker))
	assert.Contains(t, out[0], "Subject: big")
}

func TestFormat_DefaultAndMinimumBound(t *testing.T) {
	long := strings.Repeat("x", 20000)

	out := Formatter{}.Format(Alert{Body: long}, fixedNow)
	assert.Equal(t, DefaultMaxLength, utf8.RuneCountInString(out[0]))

	out = Formatter{MaxLength: 10}.Format(Alert{Body: long}, fixedNow)
	assert.LessOrEqual(t, utf8.RuneCountInString(out[0]), MinMaxLength)
}

func TestFormat_ClipsLongSubject(t *testing.T) {
	out := Formatter{}.Format(Alert{Subject: strings.Repeat("s", 1000), Body: "b"}, fixedNow)
	assert.Contains(t, out[0], strings.Repeat("s", maxSubjectRunes-1)+"…\n")
}

func TestFormat_SmallBoundKeepsHeaderIntact(t *testing.T) {
	f := Formatter{MaxLength: MinMaxLength, Location: time.UTC}
	out := f.Format(Alert{
		Sender:  strings.Repeat("a", 500) + "@example.com",
		Subject: strings.Repeat("s", 500),
		Body:    strings.Repeat("b", 500),
	}, fixedNow)

	require.Len(t, out, 1)
	assert.LessOrEqual(t, utf8.RuneCountInString(out[0]), MinMaxLength)
	assert.Contains(t, out[0], "Time: 2024-05-01 09:30:00 UTC\n\nb")
	assert.True(t, strings.HasSuffix(out[0], TruncationMarker))
}

func TestFormat_Paginates(t *testing.T) {
	f := Formatter{MaxLength: 300, MaxSegments: 5}
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, strings.Repeat("w", 20))
	}
	body := strings.Join(lines, "\n")

	out := f.Format(Alert{Sender: "a@b.c", Subject: "s", Body: body}, fixedNow)
	require.Greater(t, len(out), 1)
	require.LessOrEqual(t, len(out), 5)

	var joined []string
	for i, p := range out {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 300)
		assert.Contains(t, p, pageMarker(i+1, len(out)))
		joined = append(joined, p[strings.Index(p, ")\n\n")+3:])
	}
	assert.Equal(t, strings.Count(body, "w"), strings.Count(strings.Join(joined, ""), "w"))
	assert.NotContains(t, out[len(out)-1], TruncationMarker)
}

func TestFormat_PaginationOverflowIsTruncated(t *testing.T) {
	f := Formatter{MaxLength: 300, MaxSegments: 2}
	out := f.Format(Alert{Body: strings.Repeat("z", 5000)}, fixedNow)

	require.Len(t, out, 2)
	for _, p := range out {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 300)
	}
	assert.True(t, strings.HasSuffix(out[1], TruncationMarker))
}

func TestNotices(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s := Startup(StartupInfo{
		Time:      at,
		Mailbox:   "me@example.com",
		Interval:  15 * time.Second,
		Senders:   []string{"ops@example.com", "@alerts.io"},
		KeepAlive: true,
	})
	assert.Contains(t, s, "Started at: 2024-01-02 03:04:05")
	assert.Contains(t, s, "• ops@example.com\n• @alerts.io\n")
	assert.Contains(t, s, "Keep-alive")

	assert.Contains(t, Shutdown(at), "Stopped at: 2024-01-02 03:04:05")

	fail := CycleFailure(at, errors.New(strings.Repeat("e", 500)), time.Minute)
	assert.Contains(t, fail, "retry in 1m0s")
	assert.NotContains(t, fail, strings.Repeat("e", 201))

	assert.Contains(t, Recovery(at, 3), "3")
	assert.Contains(t, TestRun(at), "03:04:05")
	assert.Equal(t, "⚠️ Email delivery failed\nFrom: a@b.c\nSubject: hi\nCheck logs for details.",
		DeliveryFailure("a@b.c", "hi"))
}
