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
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Transport the persistent connection carrying a session's JSON frames
type Transport interface {
	// ReadFrame block until the next frame arrives or the transport fails
	ReadFrame() ([]byte, error)
	// WriteFrame send one frame, giving up after timeout
	WriteFrame(frame []byte, timeout time.Duration) error
	// Close the transport. Unblocks a pending ReadFrame.
	Close() error
	// RemoteAddr describe the peer for logging
	RemoteAddr() string
}

// maxClientFrameBytes the largest frame accepted from a client
const maxClientFrameBytes = 32 * 1024

// websocketTransport implements Transport over a websocket connection
type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketTransport wrap a websocket connection
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	conn.MaxPayloadBytes = maxClientFrameBytes
	return &websocketTransport{conn: conn}
}

// ReadFrame block until the next frame arrives
func (t *websocketTransport) ReadFrame() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(t.conn, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame send one text frame
func (t *websocketTransport) WriteFrame(frame []byte, timeout time.Duration) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return websocket.Message.Send(t.conn, string(frame))
}

// Close the connection
func (t *websocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr describe the peer
func (t *websocketTransport) RemoteAddr() string {
	if req := t.conn.Request(); req != nil {
		return req.RemoteAddr
	}
	return "unknown"
}
