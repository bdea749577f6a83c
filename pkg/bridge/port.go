/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Port is the message boundary between a host and the worker running a
// Bridge. Receive is only called from one goroutine; Send may be called
// concurrently with Receive.
type Port interface {
	// Receive blocks for the next host-to-worker message.
	Receive(ctx context.Context) ([]byte, error)
	// Send delivers a worker-to-host frame.
	Send(f Frame) error
	// Close terminates the port. It is idempotent.
	Close() error
}

// ChannelPort connects a Bridge to a host in the same process.
type ChannelPort struct {
	inbound  chan []byte
	outbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Port = (*ChannelPort)(nil)

// NewChannelPort creates a port whose queues hold buffer messages each way.
func NewChannelPort(buffer int) *ChannelPort {
	return &ChannelPort{
		inbound:  make(chan []byte, buffer),
		outbound: make(chan Frame, buffer),
		closed:   make(chan struct{}),
	}
}

// Post delivers a message from the host side.
func (p *ChannelPort) Post(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	select {
	case p.inbound <- msg:
		return nil
	case <-p.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames is the host side of the worker-to-host direction.
func (p *ChannelPort) Frames() <-chan Frame {
	return p.outbound
}

// Closed is closed once the port is closed from either side.
func (p *ChannelPort) Closed() <-chan struct{} {
	return p.closed
}

func (p *ChannelPort) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.inbound:
		return msg, nil
	case <-p.closed:
		return nil, ErrPortClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ChannelPort) Send(f Frame) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	select {
	case p.outbound <- f:
		return nil
	case <-p.closed:
		return ErrPortClosed
	}
}

func (p *ChannelPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// WebSocketConfig tunes a WebSocketPort.
type WebSocketConfig struct {
	// WriteTimeout bounds every frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive. A peer that does not
	// answer within two intervals is considered gone.
	PingInterval time.Duration
}

// WebSocketPort carries the bridge protocol over one websocket session.
// Every frame is written as a text message; payload frames are sent verbatim.
type WebSocketPort struct {
	conn *websocket.Conn
	cfg  WebSocketConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Port = (*WebSocketPort)(nil)

// NewWebSocketPort wraps an established connection.
func NewWebSocketPort(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketPort {
	p := &WebSocketPort{
		conn:   conn,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		pongWait := 2 * cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go p.keepalive()
	}
	return p
}

func (p *WebSocketPort) keepalive() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Receive reads the next text or binary message. It does not observe ctx
// directly; Close unblocks a pending read.
func (p *WebSocketPort) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
				return nil, ErrPortClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrPortClosed
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (p *WebSocketPort) Send(f Frame) error {
	return p.write(websocket.TextMessage, f.Data)
}

func (p *WebSocketPort) write(msgType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	if p.cfg.WriteTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return p.conn.WriteMessage(msgType, data)
}

// Close sends a normal close frame and closes the connection.
func (p *WebSocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		// WriteControl and Close may run concurrently with a pending write
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge closed")
		_ = p.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
		err = p.conn.Close()
	})
	return err
}
