package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnectionState enum
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	ErrorState   ConnectionState = "error"
)

// Operations understood by the WebSocket binding.
const (
	OpStartSession    = "start_session"
	OpSendText        = "send_text"
	OpAudioTurn       = "audio_turn"
	OpEndSession      = "end_session"
	OpAudioCapability = "audio_capability"
)

const connectionLost = "connection lost"

// WSRequest is one request frame.
type WSRequest struct {
	ID        string          `json:"id"`
	Op        string          `json:"op"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSResponse is the frame answering the request with the same ID.
type WSResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WSAudioPayload carries an audio turn over the socket.
type WSAudioPayload struct {
	AudioBase64 string `json:"audio_base64"`
	MIMEType    string `json:"mime_type"`
}

// WSOptions configures WSClient.
type WSOptions struct {
	Endpoint             string
	Tokens               *TokenManager
	Headers              map[string]string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Logger               zerolog.Logger
}

// WSClient multiplexes Conversation Service calls over one WebSocket,
// correlating responses to requests by frame ID.
type WSClient struct {
	opts WSOptions
	log  zerolog.Logger

	mu                 sync.Mutex
	conn               *websocket.Conn
	state              ConnectionState
	pending            map[string]chan WSResponse
	connectionHandlers []func(ConnectionState)

	writeMu sync.Mutex
}

var _ Service = (*WSClient)(nil)

func NewWSClient(opts WSOptions) *WSClient {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 3
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	return &WSClient{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "conversation.ws").Logger(),
		state:   Disconnected,
		pending: make(map[string]chan WSResponse),
	}
}

// Connect dials the endpoint, retrying up to MaxReconnectAttempts times.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected {
		return nil
	}
	c.setState(Connecting)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			c.conn = conn
			c.setState(Connected)
			go c.readLoop(conn)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < c.opts.MaxReconnectAttempts {
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", c.opts.ReconnectDelay).Msg("Connection attempt failed")
			select {
			case <-time.After(c.opts.ReconnectDelay):
			case <-ctx.Done():
			}
		}
	}

	c.setState(ErrorState)
	return NewNetworkError(fmt.Sprintf("failed to connect after %d attempts", c.opts.MaxReconnectAttempts), lastErr)
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.opts.Endpoint == "" {
		return nil, &Error{Code: ErrCodeConfig, Message: "websocket endpoint not configured"}
	}
	header := make(http.Header)
	if c.opts.Tokens != nil {
		token, err := c.opts.Tokens.GetToken()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.opts.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.Endpoint, header)
	return conn, err
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var resp WSResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket read loop ended")
			c.dropConnection(conn, err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Warn().Str("id", resp.ID).Msg("Response for unknown request")
			continue
		}
		ch <- resp
	}
}

// dropConnection fails every in-flight call once the socket is gone.
func (c *WSClient) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan WSResponse)
	c.setState(Disconnected)
	c.mu.Unlock()

	_ = conn.Close()
	for id, ch := range pending {
		ch <- WSResponse{ID: id, OK: false, Detail: connectionLost + ": " + cause.Error()}
	}
}

func (c *WSClient) call(ctx context.Context, op, sessionID string, payload interface{}, out interface{}) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	req := WSRequest{ID: uuid.NewString(), Op: op, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return NewJSONError(err)
		}
		req.Payload = raw
	}

	ch := make(chan WSResponse, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return NewNetworkError("send failed", ErrNotConnected)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return NewNetworkError("send failed", err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if strings.HasPrefix(resp.Detail, connectionLost) {
				return NewNetworkError(resp.Detail, ErrNotConnected)
			}
			return NewBackendError(0, resp.Detail)
		}
		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return NewJSONError(err)
		}
		return nil
	case <-ctx.Done():
		c.forget(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewNetworkError(op+" timed out", ctx.Err())
		}
		return ctx.Err()
	}
}

func (c *WSClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) StartSession(ctx context.Context, agentID string) (*Session, error) {
	var session Session
	if err := c.call(ctx, OpStartSession, "", map[string]string{"agent_id": agentID}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *WSClient) SendText(ctx context.Context, sessionID, text string) (*TextReply, error) {
	var reply TextReply
	if err := c.call(ctx, OpSendText, sessionID, map[string]string{"text": text}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *WSClient) SendAudioTurn(ctx context.Context, sessionID string, audio AudioUpload) (*TurnResult, error) {
	payload := WSAudioPayload{
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Data),
		MIMEType:    audio.MIMEType,
	}
	var result TurnResult
	if err := c.call(ctx, OpAudioTurn, sessionID, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *WSClient) EndSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, OpEndSession, sessionID, nil, nil)
}

func (c *WSClient) AudioCapability(ctx context.Context) (*AudioCapability, error) {
	var capability AudioCapability
	if err := c.call(ctx, OpAudioCapability, "", nil, &capability); err != nil {
		return nil, err
	}
	return &capability, nil
}

// Close tears down the socket; in-flight calls fail with a network error.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.dropConnection(conn, errors.New("client closed"))
	return nil
}

// AddConnectionHandler registers fn for state changes.
func (c *WSClient) AddConnectionHandler(fn func(ConnectionState)) {
	c.mu.Lock()
	c.connectionHandlers = append(c.connectionHandlers, fn)
	c.mu.Unlock()
}

func (c *WSClient) GetState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *WSClient) setState(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	for _, handler := range c.connectionHandlers {
		go handler(state)
	}
}
