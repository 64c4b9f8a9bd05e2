package sfu

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"quickconnect/server/internal/gateway"
)

type videoroomRequest struct {
	Request    string `json:"request"`
	Room       uint64 `json:"room,omitempty"`
	PType      string `json:"ptype,omitempty"`
	Display    string `json:"display,omitempty"`
	Feed       uint64 `json:"feed,omitempty"`
	Publishers int    `json:"publishers,omitempty"`
	Permanent  *bool  `json:"permanent,omitempty"`
	IsPrivate  bool   `json:"is_private,omitempty"`
	Audio      *bool  `json:"audio,omitempty"`
	Video      *bool  `json:"video,omitempty"`
}

// videoroomResponse is the plugin-specific data of a videoroom reply.
type videoroomResponse struct {
	VideoRoom  string `json:"videoroom"`
	Room       uint64 `json:"room"`
	ID         uint64 `json:"id"`
	Configured string `json:"configured"`
	Started    string `json:"started"`
	ErrorCode  int    `json:"error_code"`
	Error      string `json:"error"`
}

// message sends a plugin request on a handle and decodes the plugin reply.
// Plugin-level errors are returned as *gateway.Error.
func (s *Session) message(ctx context.Context, sessionID, handleID uint64, body videoroomRequest, jsep *webrtc.SessionDescription) (*videoroomResponse, *webrtc.SessionDescription, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal body: %w", err)
	}

	req := &gateway.Frame{
		Janus:     gateway.KindMessage,
		SessionID: sessionID,
		HandleID:  handleID,
		Body:      raw,
		JSEP:      jsep,
	}
	reply, err := s.conn.Call(ctx, s.owner, req)
	if err != nil {
		return nil, nil, err
	}
	if reply.Transaction != req.Transaction || reply.PluginData == nil {
		return nil, nil, fmt.Errorf("%w: %q without plugin data", ErrUnexpectedReply, reply.Janus)
	}

	var data videoroomResponse
	if err := json.Unmarshal(reply.PluginData.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode plugin data: %w", err)
	}
	if data.ErrorCode != 0 || data.Error != "" {
		return nil, nil, &gateway.Error{Code: data.ErrorCode, Reason: data.Error}
	}
	return &data, reply.JSEP, nil
}
