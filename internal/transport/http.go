package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultRequestTimeout bounds every HTTP call
const DefaultRequestTimeout = 10 * time.Second

// HTTPTransport talks to the mirai-api-http "http" adapter
type HTTPTransport struct {
	client *resty.Client
}

// NewHTTPTransport creates a transport for baseURL, e.g. http://localhost:8080
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPTransport{client: client}
}

type statusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type fetchResponse struct {
	statusResponse
	Data []json.RawMessage `json:"data"`
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, build func(*resty.Request)) ([]byte, error) {
	req := t.client.R().SetContext(ctx)
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, errs.NewTransportError(path, err)
	}
	if resp.IsError() {
		return nil, errs.NewTransportError(path, fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, errs.NewProtocolError(path, "response is not valid JSON", nil)
	}
	return body, nil
}

// Verify exchanges the verify key for a session key
func (t *HTTPTransport) Verify(ctx context.Context, verifyKey string) (*HandshakeResponse, error) {
	body, err := t.do(ctx, resty.MethodPost, "/verify", func(r *resty.Request) {
		r.SetBody(map[string]string{"verifyKey": verifyKey})
	})
	if err != nil {
		return nil, err
	}

	var hr HandshakeResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, errs.NewProtocolError("verify", "malformed handshake response", err)
	}
	return &hr, nil
}

// Bind associates session with the bot account qq
func (t *HTTPTransport) Bind(ctx context.Context, session string, qq int64) error {
	return t.sessionCall(ctx, "/bind", session, qq)
}

// Release frees session on the gateway
func (t *HTTPTransport) Release(ctx context.Context, session string, qq int64) error {
	return t.sessionCall(ctx, "/release", session, qq)
}

func (t *HTTPTransport) sessionCall(ctx context.Context, path, session string, qq int64) error {
	body, err := t.do(ctx, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(map[string]interface{}{"sessionKey": session, "qq": qq})
	})
	if err != nil {
		return err
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return errs.NewProtocolError(path, "malformed response", err)
	}
	if sr.Code != CodeOK {
		return errs.NewProtocolError(path, fmt.Sprintf("code %d: %s", sr.Code, sr.Msg), nil)
	}
	return nil
}

// FetchBatch pulls up to count buffered events
func (t *HTTPTransport) FetchBatch(ctx context.Context, session string, count int) ([]json.RawMessage, error) {
	if session == "" {
		return nil, errs.ErrNoToken
	}
	body, err := t.do(ctx, resty.MethodGet, "/fetchMessage", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"sessionKey": session,
			"count":      strconv.Itoa(count),
		})
	})
	if err != nil {
		return nil, err
	}

	var fr fetchResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, errs.NewProtocolError("fetch", "malformed batch", err)
	}
	if fr.Code != CodeOK {
		return nil, errs.NewProtocolError("fetch", fmt.Sprintf("code %d: %s", fr.Code, fr.Msg), nil)
	}

	if len(fr.Data) > 0 {
		logger.ForComponent("transport").WithFields(logrus.Fields{
			"adapter": KindPoll,
			"count":   len(fr.Data),
		}).Debug("batch-fetched")
	}
	return fr.Data, nil
}

// Command calls /<name> with the session key merged into the content. A
// "get" sub command is sent as a GET with the content's top-level fields
// as query parameters; everything else is a JSON POST. The raw response
// body is returned.
func (t *HTTPTransport) Command(ctx context.Context, session string, cmd Command) (json.RawMessage, error) {
	if cmd.Name == "" {
		return nil, errs.NewProtocolError("command", "empty command name", nil)
	}
	if session == "" {
		return nil, errs.ErrNoToken
	}
	path := "/" + strings.TrimLeft(cmd.Name, "/")

	if cmd.SubCommand == "get" {
		params := map[string]string{"sessionKey": session}
		if len(cmd.Content) > 0 {
			gjson.ParseBytes(cmd.Content).ForEach(func(key, value gjson.Result) bool {
				params[key.String()] = value.String()
				return true
			})
		}
		return t.do(ctx, resty.MethodGet, path, func(r *resty.Request) {
			r.SetQueryParams(params)
		})
	}

	content := map[string]json.RawMessage{}
	if len(cmd.Content) > 0 {
		if err := json.Unmarshal(cmd.Content, &content); err != nil {
			return nil, errs.NewProtocolError("command", "content must be a JSON object", err)
		}
	}
	key, _ := json.Marshal(session)
	content["sessionKey"] = key

	return t.do(ctx, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(content)
	})
}

// About returns the gateway plugin version
func (t *HTTPTransport) About(ctx context.Context) (string, error) {
	body, err := t.do(ctx, resty.MethodGet, "/about", nil)
	if err != nil {
		return "", err
	}
	version := gjson.GetBytes(body, "data.version")
	if !version.Exists() {
		return "", errs.NewProtocolError("about", "missing data.version", nil)
	}
	return version.String(), nil
}

// Close releases idle connections
func (t *HTTPTransport) Close() error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}
