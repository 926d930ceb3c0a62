package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL     = "http://127.0.0.1:8787"
	DefaultHTTPTimeout = 60 * time.Second
	userAgent          = "voiceturn-sdk-go/1.0"
)

// HTTPOptions configures HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Tokens  *TokenManager
	Timeout time.Duration
	Logger  zerolog.Logger
}

// HTTPClient talks to the Conversation Service over its REST binding.
type HTTPClient struct {
	baseURL    string
	tokens     *TokenManager
	httpClient *http.Client
	log        zerolog.Logger
}

var _ Service = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		tokens:  opts.Tokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log: opts.Logger.With().Str("component", "conversation.http").Logger(),
	}
}

type errorBody struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return &Error{Code: ErrCodeConfig, Message: "invalid request", err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		token, err := c.tokens.GetToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return NewNetworkError(fmt.Sprintf("%s %s failed", method, endpoint), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewNetworkError("failed to read response", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Conversation request")

	if resp.StatusCode >= 400 {
		var eb errorBody
		detail := ""
		if json.Unmarshal(respBody, &eb) == nil {
			detail = eb.Detail
			if detail == "" {
				detail = eb.Error
			}
		}
		return NewBackendError(resp.StatusCode, detail)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return NewJSONError(err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return NewJSONError(err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.do(ctx, method, endpoint, body, contentType, out)
}

func (c *HTTPClient) StartSession(ctx context.Context, agentID string) (*Session, error) {
	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", map[string]string{"agent_id": agentID}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) SendText(ctx context.Context, sessionID, text string) (*TextReply, error) {
	var reply TextReply
	endpoint := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{"text": text}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendAudioTurn uploads the recording as a multipart file whose part carries
// the declared MIME type.
func (c *HTTPClient) SendAudioTurn(ctx context.Context, sessionID string, audio AudioUpload) (*TurnResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="audio"; filename="turn`+extensionFor(audio.MIMEType)+`"`)
	header.Set("Content-Type", audio.MIMEType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, &Error{Code: ErrCodeConfig, Message: "failed to build upload", err: err}
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, &Error{Code: ErrCodeConfig, Message: "failed to build upload", err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &Error{Code: ErrCodeConfig, Message: "failed to build upload", err: err}
	}

	var result TurnResult
	endpoint := "/v1/sessions/" + url.PathEscape(sessionID) + "/audio"
	if err := c.do(ctx, http.MethodPost, endpoint, &buf, mw.FormDataContentType(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) EndSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *HTTPClient) AudioCapability(ctx context.Context) (*AudioCapability, error) {
	var capability AudioCapability
	if err := c.doJSON(ctx, http.MethodGet, "/v1/audio/capability", nil, &capability); err != nil {
		return nil, err
	}
	return &capability, nil
}

func extensionFor(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/l16", "audio/pcm":
		return ".pcm"
	default:
		return ".bin"
	}
}
