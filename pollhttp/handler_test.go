package pollhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/fakesocket-go/protocol"
	"github.com/ggoodman/fakesocket-go/socket"
	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/memory"
)

func newServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	app := socket.ApplicationFuncs{
		AuthorizeFunc: func(context.Context, socket.Tx, *socket.Registration) (bool, string) { return true, "" },
		OnMessageFunc: func(_ context.Context, tx socket.Tx, _ string, msg any) error { return tx.Send(msg, "") },
	}
	sock := socket.New(storage.New(memory.New()), app)
	h, err := New(sock, "/chat", opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body any) (*http.Response, *protocol.Response) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(srv.URL+"/chat", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer res.Body.Close()

	var out protocol.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, &out
}

func TestAliceAndBobOverHTTP(t *testing.T) {
	srv := newServer(t)

	res, alice := post(t, srv, map[string]any{"action": "register", "registerData": map[string]any{"name": "alice"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	require.Equal(t, protocol.StatusOK, alice.Status)
	assert.Empty(t, alice.ClientsList)

	_, bob := post(t, srv, map[string]any{"action": "register", "registerData": map[string]any{"name": "bob"}})
	require.Equal(t, protocol.StatusOK, bob.Status)

	_, poll := post(t, srv, map[string]any{"action": "keepAlive", "hash": alice.Hash})
	var joined []string
	for _, u := range poll.ClientsList {
		if u.Status == protocol.PresenceConnect {
			joined = append(joined, u.Hash)
		}
	}
	assert.Contains(t, joined, bob.Hash)

	_, sent := post(t, srv, map[string]any{"action": "post", "hash": alice.Hash, "messages": []any{"hi"}})
	require.Equal(t, protocol.StatusOK, sent.Status)

	_, got := post(t, srv, map[string]any{"action": "keepAlive", "hash": bob.Hash})
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Message)

	_, end := post(t, srv, map[string]any{"action": "disconnect", "hash": alice.Hash})
	assert.Equal(t, protocol.StatusConnectionEnd, end.Status)

	_, gone := post(t, srv, map[string]any{"action": "keepAlive", "hash": alice.Hash})
	assert.Equal(t, protocol.TitleTimeout, gone.Title)
}

func TestRejectsNonJSONContentType(t *testing.T) {
	srv := newServer(t)
	res, err := http.Post(srv.URL+"/chat", "application/x-www-form-urlencoded", strings.NewReader("action=register"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	srv := newServer(t)
	for _, body := range []string{"", "{", "[1,2]"} {
		res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, "body %q", body)
	}
}

func TestBodyTooLarge(t *testing.T) {
	srv := newServer(t, WithMaxBodyBytes(16))
	res, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"action":"register","registerData":"`+strings.Repeat("x", 64)+`"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestNonPostIsProtocolError(t *testing.T) {
	srv := newServer(t)
	res, err := http.Get(srv.URL + "/chat")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out protocol.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, protocol.TitleProtocol, out.Title)
}

func TestSchemaEndpoint(t *testing.T) {
	srv := newServer(t)
	res, err := http.Get(srv.URL + "/chat/schema")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var schema map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&schema))
	oneOf, ok := schema["oneOf"].([]any)
	require.True(t, ok)
	assert.Len(t, oneOf, 4)
}

func TestCORS(t *testing.T) {
	srv := newServer(t, WithAllowOrigin("*"))
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), "POST")
}

type failingEngine struct{}

func (failingEngine) Handle(context.Context, string, map[string]any) (*protocol.Response, error) {
	return protocol.NewError(protocol.TitleStorage, protocol.MessageStorage), errors.New("disk full")
}

func TestEngineFailureIs500(t *testing.T) {
	h, err := New(failingEngine{}, "/")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"action":"keepAlive","hash":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var out protocol.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, protocol.TitleStorage, out.Title)
}
