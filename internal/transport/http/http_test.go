package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/nadzzz/meshbridge/internal/address"
	"github.com/nadzzz/meshbridge/internal/bridge"
	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/transport"
)

type fakeBridge struct {
	err     error
	gotAddr string
	gotText string
	receipt bridge.Receipt
	status  bridge.Status
	pushes  int
}

func (f *fakeBridge) Push(_ context.Context, addr, text string) (bridge.Receipt, error) {
	f.pushes++
	f.gotAddr, f.gotText = addr, text
	return f.receipt, f.err
}

func (f *fakeBridge) Status() bridge.Status { return f.status }

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestSend(t *testing.T) {
	fb := &fakeBridge{receipt: bridge.Receipt{Destination: message.NodeID(0x13a32093), Parts: 2}}
	h := New(0, fb, zerolog.Nop()).Handler()

	rec := serve(h, http.MethodPost, "/send", `{"address":"CE:6E:13:A3:20:93","text":"Hello there"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"destination":"!13a32093","parts":2}`, rec.Body.String())
	assert.Equal(t, "CE:6E:13:A3:20:93", fb.gotAddr)
	assert.Equal(t, "Hello there", fb.gotText)
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "bad json", body: `{"address":`, code: http.StatusBadRequest},
		{name: "bad address", body: `{"address":"zz","text":"hi"}`, err: fmt.Errorf("%w: zz", address.ErrInvalidAddress), code: http.StatusBadRequest},
		{name: "empty text", body: `{"address":"!01","text":""}`, err: fmt.Errorf("%w: empty message", bridge.ErrMalformedControlPayload), code: http.StatusBadRequest},
		{name: "not ready", body: `{"address":"!01","text":"hi"}`, err: bridge.ErrNotReady, code: http.StatusServiceUnavailable},
		{name: "radio failure", body: `{"address":"!01","text":"hi"}`, err: errors.New("write: broken pipe"), code: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(0, &fakeBridge{err: tt.err}, zerolog.Nop()).Handler()
			rec := serve(h, http.MethodPost, "/send", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestSend_WrongMethod(t *testing.T) {
	fb := &fakeBridge{}
	rec := serve(New(0, fb, zerolog.Nop()).Handler(), http.MethodGet, "/send", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, fb.pushes)
}

func TestStatus(t *testing.T) {
	fb := &fakeBridge{status: bridge.Status{
		Mesh:         transport.Connected,
		Broker:       transport.Connecting,
		NodeID:       "!13a32093",
		CachedTopics: 3,
		Keywords:     4,
	}}
	rec := serve(New(0, fb, zerolog.Nop()).Handler(), http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mesh":"connected","broker":"connecting","node_id":"!13a32093","cached_topics":3,"keywords":4}`, rec.Body.String())
}

func TestSwaggerDoc(t *testing.T) {
	rec := serve(New(0, &fakeBridge{}, zerolog.Nop()).Handler(), http.MethodGet, "/swagger/doc.json", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshbridge API")
	assert.Contains(t, rec.Body.String(), `"/send"`)
}
