/******************************************************************************
 *
 *  Description :
 *    A single websocket session. A session is a registry listener: entities
 *    publish serialized events to topics, the registry queues them here, and
 *    the write loop flushes them to the wire. The read loop handles the
 *    small client vocabulary of subscribe/unsubscribe/ping requests.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisperline/whisperline/server/logs"
	t "github.com/whisperline/whisperline/server/store/types"
)

const (
	// Maximum number of queued outbound events before the session is
	// considered unresponsive and detached.
	sendQueueLimit = 128

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 55 * time.Second

	// Send pings to the peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client request vocabulary.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPing        = "ping"
)

// ClientReq is a client-to-server control message.
type ClientReq struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
}

// ServerResp is the acknowledgement of a control message.
type ServerResp struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Code  int    `json:"code"`
	Text  string `json:"text,omitempty"`
}

// Session is a single live connection of an authenticated user.
type Session struct {
	// Immutable session id.
	sid string
	// Authenticated user id.
	uid string

	ws         *websocket.Conn
	remoteAddr string

	// Outbound events, consumed by the write loop.
	send chan []byte
	// Session termination; the optional payload is written before closing.
	stop chan []byte

	// Topics this session is attached to. Owned by the read loop.
	subs map[string]struct{}
}

// QueueOut hands an already-serialized event to the session. Non-blocking;
// returns false when the session's queue is full or closed.
func (s *Session) QueueOut(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) queueResp(resp *ServerResp) {
	data, _ := json.Marshal(resp)
	s.QueueOut(data)
}

// writeLoop flushes outbound events and keeps the connection alive with
// periodic pings. Terminates on stop or on the first write error.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.wsWrite(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-s.stop:
			if data != nil {
				s.wsWrite(websocket.TextMessage, data)
			}
			return
		case <-ticker.C:
			if err := s.wsWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) wsWrite(msgType int, data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(msgType, data)
}

// readLoop consumes client control messages until the connection drops, then
// detaches the session from every topic.
func (s *Session) readLoop() {
	defer func() {
		globals.registry.UnsubscribeAll(s)
		globals.sessionStore.Delete(s)
		s.ws.Close()
	}()

	s.ws.SetReadLimit(1 << 16)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logs.Warn.Println("session: read error", s.sid, err)
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	var req ClientReq
	if err := json.Unmarshal(raw, &req); err != nil {
		s.queueResp(&ServerResp{Op: req.Op, Code: 400, Text: "malformed"})
		return
	}

	switch req.Op {
	case opSubscribe:
		s.subscribe(req.Topic)
	case opUnsubscribe:
		s.unsubscribe(req.Topic)
	case opPing:
		s.queueResp(&ServerResp{Op: opPing, Code: 200})
	default:
		s.queueResp(&ServerResp{Op: req.Op, Code: 400, Text: "unknown op"})
	}
}

// subscribe attaches the session to a topic after an authorization check:
// a user topic must be the session's own, a conversation topic requires
// membership.
func (s *Session) subscribe(topic string) {
	ok, err := s.mayListen(topic)
	if err != nil {
		code := 500
		if err == t.ErrNotFound {
			code = 404
		}
		s.queueResp(&ServerResp{Op: opSubscribe, Topic: topic, Code: code, Text: err.Error()})
		return
	}
	if !ok {
		s.queueResp(&ServerResp{Op: opSubscribe, Topic: topic, Code: 403, Text: "access denied"})
		return
	}

	globals.registry.Subscribe(topic, s)
	s.subs[topic] = struct{}{}
	s.queueResp(&ServerResp{Op: opSubscribe, Topic: topic, Code: 200})
}

func (s *Session) unsubscribe(topic string) {
	globals.registry.Unsubscribe(topic, s)
	delete(s.subs, topic)
	s.queueResp(&ServerResp{Op: opUnsubscribe, Topic: topic, Code: 200})
}

func (s *Session) mayListen(topic string) (bool, error) {
	switch {
	case strings.HasPrefix(topic, topicScopeUser):
		return strings.TrimPrefix(topic, topicScopeUser) == s.uid, nil
	case strings.HasPrefix(topic, topicScopeConversation):
		convID := strings.TrimPrefix(topic, topicScopeConversation)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return globals.hub.ConversationRef(convID).IsParticipant(ctx, s.uid)
	default:
		return false, nil
	}
}
