package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/meshbridge/internal/topiccache"
)

var now = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newRouter(table Table, cache *topiccache.Cache) *Router {
	return New(table, cache).WithClock(func() time.Time { return now })
}

func TestRouter_PingScenario(t *testing.T) {
	cache := topiccache.New(topiccache.DefaultTTL)
	cache.Put("system/ping", "pong", now)

	r := newRouter(Table{{Word: "ping", Topic: "system/ping"}}, cache)
	out := r.Route("PING?", "!aabbccdd")

	require.True(t, out.Matched)
	assert.Equal(t, "ping", out.Keyword)
	assert.Equal(t, "system/ping", out.Topic)
	assert.Equal(t, "Ping: pong", out.Reply)
	assert.True(t, out.HasData)
}

func TestRouter_NoDataAvailable(t *testing.T) {
	r := newRouter(Table{{Word: "ping", Topic: "system/ping"}}, topiccache.New(0))
	out := r.Route("ping", "!aabbccdd")

	require.True(t, out.Matched)
	assert.Equal(t, "Ping: No data available", out.Reply)
	assert.False(t, out.HasData)
}

func TestRouter_StaleValueIsNoData(t *testing.T) {
	cache := topiccache.New(topiccache.DefaultTTL)
	cache.Put("system/ping", "pong", now.Add(-10*time.Minute))

	r := newRouter(Table{{Word: "ping", Topic: "system/ping"}}, cache)
	assert.Equal(t, "Ping: No data available", r.Route("ping", "").Reply)
}

func TestRouter_EmptyValueStillReplies(t *testing.T) {
	cache := topiccache.New(0)
	cache.Put("system/ping", "", now)

	r := newRouter(Table{{Word: "ping", Topic: "system/ping"}}, cache)
	out := r.Route("ping", "")
	assert.Equal(t, "Ping: ", out.Reply)
	assert.True(t, out.HasData)
}

func TestRouter_NoMatch(t *testing.T) {
	r := newRouter(Table{{Word: "ping", Topic: "system/ping"}}, topiccache.New(0))
	out := r.Route("hello there", "!aabbccdd")

	assert.False(t, out.Matched)
	assert.Equal(t, NoMatch, out)
}

func TestRouter_ConfigOrderWins(t *testing.T) {
	cache := topiccache.New(0)
	cache.Put("sensors/weather", "sunny", now)
	cache.Put("system/status", "ok", now)

	tests := []struct {
		name    string
		table   Table
		text    string
		keyword string
	}{
		{
			name:    "first configured appears first in text",
			table:   Table{{Word: "weather", Topic: "sensors/weather"}, {Word: "status", Topic: "system/status"}},
			text:    "weather and status please",
			keyword: "weather",
		},
		{
			name:    "first configured appears last in text",
			table:   Table{{Word: "weather", Topic: "sensors/weather"}, {Word: "status", Topic: "system/status"}},
			text:    "status and weather please",
			keyword: "weather",
		},
		{
			name:    "reversed configuration",
			table:   Table{{Word: "status", Topic: "system/status"}, {Word: "weather", Topic: "sensors/weather"}},
			text:    "weather and status please",
			keyword: "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newRouter(tt.table, cache).Route(tt.text, "")
			require.True(t, out.Matched)
			assert.Equal(t, tt.keyword, out.Keyword)
		})
	}
}

func TestRouter_SubstringMatching(t *testing.T) {
	r := newRouter(Table{{Word: "temp", Topic: "sensors/temperature"}}, topiccache.New(0))

	for _, text := range []string{"temp", "what's the temperature", "ATTEMPT", "xtempx"} {
		assert.True(t, r.Route(text, "").Matched, text)
	}
	assert.False(t, r.Route("tem p", "").Matched)
}

func TestRouter_KeywordCaseInsensitive(t *testing.T) {
	cache := topiccache.New(0)
	cache.Put("sensors/weather", "rain", now)

	r := newRouter(Table{{Word: "WEATHER", Topic: "sensors/weather"}}, cache)
	out := r.Route("how's the weather", "")
	require.True(t, out.Matched)
	assert.Equal(t, "Weather: rain", out.Reply)
}

func TestRouter_EmptyKeywordIgnored(t *testing.T) {
	r := newRouter(Table{{Word: "", Topic: "x"}}, topiccache.New(0))
	assert.False(t, r.Route("anything", "").Matched)
}

func TestTable_Topics(t *testing.T) {
	table := Table{
		{Word: "temp", Topic: "sensors/temperature"},
		{Word: "heat", Topic: "sensors/temperature"},
		{Word: "ping", Topic: "system/ping"},
	}
	assert.Equal(t, []string{"sensors/temperature", "system/ping"}, table.Topics())
}

func TestRouter_TitleStartsWordAfterNonLetter(t *testing.T) {
	tests := []struct {
		word string
		want string
	}{
		{word: "weather", want: "Weather"},
		{word: "PING", want: "Ping"},
		{word: "temp_c", want: "Temp_C"},
		{word: "co2level", want: "Co2Level"},
		{word: "wind2speed", want: "Wind2Speed"},
		{word: "air quality", want: "Air Quality"},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			r := newRouter(Table{{Word: tt.word, Topic: "t"}}, topiccache.New(topiccache.DefaultTTL))
			out := r.Route(tt.word, "!aabbccdd")
			require.True(t, out.Matched)
			assert.Equal(t, tt.want+": "+NoDataText, out.Reply)
		})
	}
}
