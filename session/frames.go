// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/alwitt/httpush/broadcast"
	"github.com/alwitt/httpush/common"
)

// Client frame message types
const (
	TypeHello              = "hello"
	TypeRegister           = "register"
	TypeUnregister         = "unregister"
	TypeAck                = "ack"
	TypeBroadcastSubscribe = "broadcast_subscribe"
	TypeNotification       = "notification"
	TypeBroadcast          = "broadcast"
)

// ClientFrame one decoded frame sent by a client
type ClientFrame interface {
	MessageType() string
}

// HelloFrame opens a session
type HelloFrame struct {
	UAID       string             `json:"uaid,omitempty"`
	UseWebPush bool               `json:"use_webpush,omitempty"`
	Broadcasts broadcast.Versions `json:"broadcasts,omitempty"`
}

// MessageType frame type
func (HelloFrame) MessageType() string { return TypeHello }

// RegisterFrame requests a new channel
type RegisterFrame struct {
	ChannelID string `json:"channelID"`
	Key       string `json:"key,omitempty"`
}

// MessageType frame type
func (RegisterFrame) MessageType() string { return TypeRegister }

// UnregisterFrame drops a channel
type UnregisterFrame struct {
	ChannelID string `json:"channelID"`
	Code      int    `json:"code,omitempty"`
}

// MessageType frame type
func (UnregisterFrame) MessageType() string { return TypeUnregister }

// AckUpdate one acknowledged notification
type AckUpdate struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version"`
}

// AckFrame acknowledges delivered notifications
type AckFrame struct {
	Updates []AckUpdate `json:"updates"`
}

// MessageType frame type
func (AckFrame) MessageType() string { return TypeAck }

// BroadcastSubscribeFrame adds services to the session's broadcast interest
type BroadcastSubscribeFrame struct {
	Broadcasts broadcast.Versions `json:"broadcasts"`
}

// MessageType frame type
func (BroadcastSubscribeFrame) MessageType() string { return TypeBroadcastSubscribe }

// PingFrame the empty object a client sends to keep the connection alive
type PingFrame struct{}

// MessageType frame type
func (PingFrame) MessageType() string { return "ping" }

// DecodeClientFrame parse one client frame. Anything which is not one of the known
// frames is common.ErrProtocolViolation.
func DecodeClientFrame(raw []byte) (ClientFrame, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("frame is not a JSON object: %w", common.ErrProtocolViolation)
	}
	if len(fields) == 0 {
		return PingFrame{}, nil
	}
	var messageType string
	if rawType, ok := fields["messageType"]; !ok {
		return nil, fmt.Errorf("frame has no messageType: %w", common.ErrProtocolViolation)
	} else if err := json.Unmarshal(rawType, &messageType); err != nil {
		return nil, fmt.Errorf("messageType is not a string: %w", common.ErrProtocolViolation)
	}

	var frame ClientFrame
	var err error
	switch messageType {
	case TypeHello:
		parsed := HelloFrame{}
		err = json.Unmarshal(raw, &parsed)
		frame = parsed
	case TypeRegister:
		parsed := RegisterFrame{}
		err = json.Unmarshal(raw, &parsed)
		frame = parsed
	case TypeUnregister:
		parsed := UnregisterFrame{}
		err = json.Unmarshal(raw, &parsed)
		frame = parsed
	case TypeAck:
		parsed := AckFrame{}
		if err = json.Unmarshal(raw, &parsed); err == nil {
			for _, update := range parsed.Updates {
				if _, perr := common.ParseVersion(update.Version); perr != nil {
					err = perr
					break
				}
			}
		}
		frame = parsed
	case TypeBroadcastSubscribe:
		parsed := BroadcastSubscribeFrame{}
		err = json.Unmarshal(raw, &parsed)
		frame = parsed
	default:
		return nil, fmt.Errorf("unknown messageType '%s': %w", messageType, common.ErrProtocolViolation)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s frame (%s): %w", messageType, err.Error(), common.ErrProtocolViolation)
	}
	return frame, nil
}

// ==============================================================================
// Server frames

// HelloReply answers a hello
type HelloReply struct {
	MessageType string             `json:"messageType"`
	UAID        string             `json:"uaid"`
	Status      int                `json:"status"`
	UseWebPush  bool               `json:"use_webpush"`
	Broadcasts  broadcast.Versions `json:"broadcasts"`
}

// RegisterReply answers a register
type RegisterReply struct {
	MessageType  string `json:"messageType"`
	ChannelID    string `json:"channelID"`
	Status       int    `json:"status"`
	PushEndpoint string `json:"pushEndpoint,omitempty"`
}

// UnregisterReply answers an unregister
type UnregisterReply struct {
	MessageType string `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Status      int    `json:"status"`
}

// NotificationFrame pushes one notification to the client
type NotificationFrame struct {
	MessageType string            `json:"messageType"`
	ChannelID   string            `json:"channelID"`
	Version     string            `json:"version"`
	TTL         int64             `json:"ttl"`
	Data        string            `json:"data,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// BroadcastFrame pushes changed broadcast versions to the client
type BroadcastFrame struct {
	MessageType string             `json:"messageType"`
	Broadcasts  broadcast.Versions `json:"broadcasts"`
}

// NewNotificationFrame convert a stored notification for transmission. The payload is
// base64url without padding. Headers are only sent along with a payload.
func NewNotificationFrame(msg common.Notification) NotificationFrame {
	frame := NotificationFrame{
		MessageType: TypeNotification,
		ChannelID:   msg.CHID,
		Version:     msg.Version(),
		TTL:         msg.TTL,
	}
	if len(msg.Data) > 0 {
		frame.Data = base64.RawURLEncoding.EncodeToString(msg.Data)
		if len(msg.Headers) > 0 {
			frame.Headers = map[string]string(msg.Headers)
		}
	}
	return frame
}

// pingReply the reply to a client ping
var pingReply = []byte("{}")

// encodeFrame serialize a server frame
func encodeFrame(frame interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(frame); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
