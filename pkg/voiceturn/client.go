package voiceturn

import (
	"context"
	"fmt"
	"strings"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

// Client bundles a Conversation Service binding, the recorder, the player
// and the coordinator built from one Config.
type Client struct {
	config      *Config
	logger      *Logger
	service     conversation.Service
	ws          *conversation.WSClient
	recorder    *Recorder
	player      *Player
	coordinator *Coordinator
}

// ClientOptions overrides the devices or service a Client is built with.
// Zero values select PortAudio devices and the configured transport.
type ClientOptions struct {
	Capture CaptureDevice
	Sink    AudioSink
	Service conversation.Service
	Logger  *Logger
}

func NewClient(config *Config, opts ClientOptions) (*Client, error) {
	if config == nil {
		config = NewConfig()
	}
	if issues := config.Validate(); len(issues) > 0 {
		return nil, NewError("invalid configuration: "+strings.Join(issues, "; "), ErrCodeConfigInvalid)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(config.LogConfig())
	}

	c := &Client{config: config, logger: logger}

	c.service = opts.Service
	if c.service == nil {
		svc, ws, err := newService(config, logger)
		if err != nil {
			return nil, err
		}
		c.service, c.ws = svc, ws
	}

	capture := opts.Capture
	if capture == nil {
		capture = PortAudioCapture{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = PortAudioSink{DeviceID: config.OutputDeviceID}
	}

	c.recorder = NewRecorder(capture, config.RecorderConfig(), logger)
	c.player = NewPlayer(sink, logger)
	c.coordinator = NewCoordinator(CoordinatorOptions{
		Service:  c.service,
		Recorder: c.recorder,
		Player:   c.player,
		Policy:   config.TurnPolicy(),
		Logger:   logger,
	})
	return c, nil
}

func newService(config *Config, logger *Logger) (conversation.Service, *conversation.WSClient, error) {
	var tokens *conversation.TokenManager
	if config.APIKey != "" {
		if err := conversation.ValidateAPIKey(config.APIKey); err != nil {
			return nil, nil, err
		}
		tokens = conversation.NewTokenManager(config.APIKey, config.UserID, config.TokenTTL, config.TokenRefreshBuffer)
	}

	switch config.Transport {
	case TransportWebSocket:
		ws := conversation.NewWSClient(conversation.WSOptions{
			Endpoint:             config.WsEndpoint,
			Tokens:               tokens,
			MaxReconnectAttempts: config.MaxReconnectAttempts,
			ReconnectDelay:       config.ReconnectDelay,
			Logger:               logger.Zerolog(),
		})
		return ws, ws, nil
	case TransportHTTP:
		return conversation.NewHTTPClient(conversation.HTTPOptions{
			BaseURL: config.BaseURL,
			Tokens:  tokens,
			Logger:  logger.Zerolog(),
		}), nil, nil
	}
	return nil, nil, NewError(fmt.Sprintf("unknown transport %q", config.Transport), ErrCodeConfigInvalid)
}

func (c *Client) Coordinator() *Coordinator { return c.coordinator }
func (c *Client) Recorder() *Recorder { return c.recorder }
func (c *Client) Player() *Player { return c.player }
func (c *Client) Service() conversation.Service { return c.service }
func (c *Client) Logger() *Logger { return c.logger }
func (c *Client) Config() *Config { return c.config }

// Close ends the session, if any, and releases the transport.
func (c *Client) Close(ctx context.Context) error {
	err := c.coordinator.EndSession(ctx)
	c.coordinator.Close()
	if c.ws != nil {
		if cerr := c.ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
