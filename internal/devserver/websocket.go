package devserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn/conversation"
)

func (s *Server) registerWebSocket(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(s.handleSocket))
}

// handleSocket answers request frames in order until the client goes away.
func (s *Server) handleSocket(c *websocket.Conn) {
	s.log.Debug().Str("remote", c.RemoteAddr().String()).Msg("WebSocket client connected")
	defer s.log.Debug().Msg("WebSocket client disconnected")

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		var req conversation.WSRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.log.Warn().Err(err).Msg("Malformed request frame")
			continue
		}

		resp := s.dispatch(&req)
		if err := c.WriteJSON(resp); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write response frame")
			return
		}
	}
}

func (s *Server) dispatch(req *conversation.WSRequest) conversation.WSResponse {
	var (
		out interface{}
		err error
	)
	switch req.Op {
	case conversation.OpStartSession:
		var p startSessionRequest
		if err = decodePayload(req.Payload, &p); err == nil {
			out = s.startSession(p.AgentID)
		}
	case conversation.OpSendText:
		var p sendTextRequest
		if err = decodePayload(req.Payload, &p); err == nil {
			out, err = s.sendText(req.SessionID, p.Text)
		}
	case conversation.OpAudioTurn:
		var p conversation.WSAudioPayload
		if err = decodePayload(req.Payload, &p); err == nil {
			var audio []byte
			audio, err = base64.StdEncoding.DecodeString(p.AudioBase64)
			if err != nil {
				err = badRequest("audio is not valid base64")
			} else {
				out, err = s.audioTurn(req.SessionID, audio, p.MIMEType)
			}
		}
	case conversation.OpEndSession:
		err = s.endSession(req.SessionID)
	case conversation.OpAudioCapability:
		out = s.capability()
	default:
		err = badRequest("unknown op " + req.Op)
	}

	if err != nil {
		detail := err.Error()
		var ae *apiError
		if errors.As(err, &ae) {
			detail = ae.detail
		}
		return conversation.WSResponse{ID: req.ID, OK: false, Detail: detail}
	}

	resp := conversation.WSResponse{ID: req.ID, OK: true}
	if out != nil {
		raw, err := json.Marshal(out)
		if err != nil {
			return conversation.WSResponse{ID: req.ID, OK: false, Detail: "failed to encode response"}
		}
		resp.Data = raw
	}
	return resp
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("malformed payload")
	}
	return nil
}
