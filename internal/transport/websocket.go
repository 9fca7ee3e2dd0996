package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// WebSocketTransport talks to the mirai-api-http "ws" adapter on the /all
// channel, which carries both events and command replies.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer

	conn *websocket.Conn

	// ReceiveOne is only called from the runtime loop
	readErr error

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewWebSocketTransport creates a transport for baseURL, e.g.
// ws://localhost:8080
func NewWebSocketTransport(baseURL string, handshakeTimeout time.Duration) *WebSocketTransport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultRequestTimeout
	}
	return &WebSocketTransport{
		url: strings.TrimRight(baseURL, "/") + "/all",
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

type handshakeFrame struct {
	SyncID string             `json:"syncId"`
	Data   *HandshakeResponse `json:"data"`
}

// Connect opens the connection and reads the handshake frame
func (t *WebSocketTransport) Connect(ctx context.Context, verifyKey, session string, qq int64) (*HandshakeResponse, error) {
	header := http.Header{}
	header.Set("qq", strconv.FormatInt(qq, 10))
	if session != "" {
		header.Set("sessionKey", session)
	} else {
		header.Set("verifyKey", verifyKey)
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, errs.NewTransportError("connect", err)
	}
	t.conn = conn

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	_, data, err := conn.ReadMessage()
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, errs.NewTransportError("handshake", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hf handshakeFrame
	if err := json.Unmarshal(data, &hf); err != nil || hf.Data == nil {
		_ = conn.Close()
		return nil, errs.NewProtocolError("handshake", "malformed handshake frame", err)
	}

	logger.ForComponent("transport").WithFields(logrus.Fields{
		"adapter": KindStream,
		"url":     t.url,
		"code":    hf.Data.Code,
	}).Info("websocket-connected")
	return hf.Data, nil
}

// ReceiveOne blocks for the next frame. A failed read is permanent: the
// same error is returned on every later call.
func (t *WebSocketTransport) ReceiveOne(ctx context.Context) (*Frame, error) {
	if t.conn == nil {
		return nil, errs.NewTransportError("receive", errors.New("not connected"))
	}
	if t.readErr != nil {
		return nil, t.readErr
	}

	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		t.readErr = errs.NewTransportError("receive", err)
		return nil, t.readErr
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.NewProtocolError("frame", "malformed frame", err)
	}
	return &f, nil
}

// Send writes one frame. Concurrent callers are serialized.
func (t *WebSocketTransport) Send(ctx context.Context, frame *Frame) error {
	if t.conn == nil {
		return errs.NewTransportError("send", errors.New("not connected"))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteJSON(frame); err != nil {
		return errs.NewTransportError("send", err)
	}
	return nil
}

// Close sends a close frame and closes the connection
func (t *WebSocketTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed || t.conn == nil {
		return nil
	}
	t.closed = true

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}
