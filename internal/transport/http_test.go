package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  map[string]string
	body   map[string]interface{}
}

type callLog struct {
	mu    sync.Mutex
	calls []recorded
}

func (l *callLog) at(i int) recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[i]
}

func (l *callLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newGateway(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*HTTPTransport, *callLog) {
	t.Helper()
	log := &callLog{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: map[string]string{}}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		log.mu.Lock()
		log.calls = append(log.calls, rec)
		log.mu.Unlock()

		route, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		route(w)
	}))
	t.Cleanup(server.Close)

	return NewHTTPTransport(server.URL, time.Second), log
}

func reply(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestHTTPTransport_Verify(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  bool
	}{
		{"success", `{"code":0,"session":"abc"}`, 0, false},
		{"invalid key", `{"code":1,"msg":"bad key"}`, 1, false},
		{"not json", `<html>`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, calls := newGateway(t, map[string]func(http.ResponseWriter){"/verify": reply(tt.body)})

			hr, err := tr.Verify(context.Background(), "secret")
			if tt.wantErr {
				var pe *errs.ProtocolError
				assert.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, hr.Code)
			require.Equal(t, 1, calls.len())
			assert.Equal(t, http.MethodPost, calls.at(0).method)
			assert.Equal(t, "secret", calls.at(0).body["verifyKey"])
		})
	}
}

func TestHTTPTransport_BindAndRelease(t *testing.T) {
	tr, calls := newGateway(t, map[string]func(http.ResponseWriter){
		"/bind":    reply(`{"code":0,"msg":"success"}`),
		"/release": reply(`{"code":3,"msg":"session expired"}`),
	})

	require.NoError(t, tr.Bind(context.Background(), "abc", 42))
	assert.Equal(t, "abc", calls.at(0).body["sessionKey"])
	assert.Equal(t, float64(42), calls.at(0).body["qq"])

	err := tr.Release(context.Background(), "abc", 42)
	var pe *errs.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Detail, "session expired")
}

func TestHTTPTransport_FetchBatch(t *testing.T) {
	tr, calls := newGateway(t, map[string]func(http.ResponseWriter){
		"/fetchMessage": reply(`{"code":0,"msg":"","data":[{"type":"BotOnlineEvent","qq":1},{"type":"FriendMessage"}]}`),
	})

	batch, err := tr.FetchBatch(context.Background(), "abc", 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.JSONEq(t, `{"type":"BotOnlineEvent","qq":1}`, string(batch[0]))

	rec := calls.at(0)
	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, map[string]string{"sessionKey": "abc", "count": "10"}, rec.query)
}

func TestHTTPTransport_FetchBatchErrors(t *testing.T) {
	tests := []struct {
		name      string
		route     func(http.ResponseWriter)
		transient bool
	}{
		{"non-zero code", reply(`{"code":3,"msg":"session invalid"}`), false},
		{"server error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) }, true},
		{"bad json", reply(`{"code":`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newGateway(t, map[string]func(http.ResponseWriter){"/fetchMessage": tt.route})

			_, err := tr.FetchBatch(context.Background(), "abc", 10)
			require.Error(t, err)
			assert.Equal(t, tt.transient, errs.IsTransient(err))
		})
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	tr := NewHTTPTransport("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := tr.FetchBatch(context.Background(), "abc", 10)
	assert.True(t, errs.IsTransient(err))
}

func TestHTTPTransport_Command(t *testing.T) {
	tr, calls := newGateway(t, map[string]func(http.ResponseWriter){
		"/sendGroupMessage": reply(`{"code":0,"msg":"success","messageId":7}`),
		"/memberInfo":       reply(`{"code":0,"data":{"name":"m"}}`),
	})
	ctx := context.Background()

	resp, err := tr.Command(ctx, "abc", Command{
		Name:    "sendGroupMessage",
		Content: json.RawMessage(`{"target":888,"messageChain":[{"type":"Plain","text":"hi"}]}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":0,"msg":"success","messageId":7}`, string(resp))

	post := calls.at(0)
	assert.Equal(t, http.MethodPost, post.method)
	assert.Equal(t, "abc", post.body["sessionKey"])
	assert.Equal(t, float64(888), post.body["target"])

	_, err = tr.Command(ctx, "abc", Command{
		Name:       "memberInfo",
		SubCommand: "get",
		Content:    json.RawMessage(`{"target":888,"memberId":5}`),
	})
	require.NoError(t, err)

	get := calls.at(1)
	assert.Equal(t, http.MethodGet, get.method)
	assert.Equal(t, map[string]string{"sessionKey": "abc", "target": "888", "memberId": "5"}, get.query)

	_, err = tr.Command(ctx, "abc", Command{Name: "sendGroupMessage", Content: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
	_, err = tr.Command(ctx, "", Command{Name: "friendList"})
	assert.ErrorIs(t, err, errs.ErrNoToken)
	_, err = tr.FetchBatch(ctx, "", 10)
	assert.ErrorIs(t, err, errs.ErrNoToken)

	_, err = tr.Command(ctx, "abc", Command{})
	assert.Error(t, err)
}

func TestHTTPTransport_About(t *testing.T) {
	tr, _ := newGateway(t, map[string]func(http.ResponseWriter){
		"/about": reply(`{"code":0,"data":{"version":"2.5.0"}}`),
	})

	version, err := tr.About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.5.0", version)
	assert.NoError(t, tr.Close())
}
