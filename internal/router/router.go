// Package router maps inbound mesh text to a broker topic through a static
// keyword table and formats the reply from the cached topic value.
//
// Matching is by substring, not whole word: a keyword "temp" also fires on
// "temperature" and "attempt". Operators pick keywords accordingly.
package router

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NoDataText is the reply body used when a keyword's topic has no fresh value.
const NoDataText = "No data available"

// Keyword binds a keyword to the broker topic whose value answers it.
type Keyword struct {
	Word  string
	Topic string
}

// Table is the ordered keyword table. Order decides which keyword wins when a
// message contains several.
type Table []Keyword

// Topics returns the distinct topics in table order.
func (t Table) Topics() []string {
	seen := make(map[string]struct{}, len(t))
	topics := make([]string, 0, len(t))
	for _, kw := range t {
		if _, ok := seen[kw.Topic]; ok {
			continue
		}
		seen[kw.Topic] = struct{}{}
		topics = append(topics, kw.Topic)
	}
	return topics
}

// Lookup is the read side of the topic cache.
type Lookup interface {
	Get(topic string, now time.Time) (string, bool)
}

// Outcome is the result of routing one message.
type Outcome struct {
	Matched bool
	Keyword string
	Topic   string
	Reply   string
	// HasData is false when the reply is the "no data" fallback.
	HasData bool
}

// NoMatch is the outcome for a message containing no keyword.
var NoMatch = Outcome{}

type entry struct {
	lower string
	title string
	topic string
	word  string
}

// Router answers messages from the keyword table and the topic cache.
type Router struct {
	entries []entry
	cache   Lookup
	now     func() time.Time
}

// New creates a router over a copy of table. Empty keywords never match.
func New(table Table, cache Lookup) *Router {
	caser := cases.Title(language.Und)
	entries := make([]entry, 0, len(table))
	for _, kw := range table {
		if kw.Word == "" {
			continue
		}
		entries = append(entries, entry{
			lower: strings.ToLower(kw.Word),
			title: titleWords(caser, kw.Word),
			topic: kw.Topic,
			word:  kw.Word,
		})
	}
	return &Router{entries: entries, cache: cache, now: time.Now}
}

// titleWords title-cases every run of letters on its own, so any non-letter
// starts a new word: "temp_c" becomes "Temp_C" and "co2level" "Co2Level".
func titleWords(caser cases.Caser, s string) string {
	var b strings.Builder
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(caser.String(s[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(caser.String(s[start:]))
	}
	return b.String()
}

// WithClock overrides the time source used for cache lookups.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Route finds the first configured keyword contained in text and builds the
// reply for it. sender is informational and does not affect routing.
func (r *Router) Route(text, sender string) Outcome {
	lower := strings.ToLower(text)
	for _, e := range r.entries {
		if !strings.Contains(lower, e.lower) {
			continue
		}

		out := Outcome{Matched: true, Keyword: e.word, Topic: e.topic}
		if value, ok := r.cache.Get(e.topic, r.now()); ok {
			out.Reply = e.title + ": " + value
			out.HasData = true
		} else {
			out.Reply = e.title + ": " + NoDataText
		}
		return out
	}
	return NoMatch
}
