/******************************************************************************
 *
 *  Description :
 *    Session management. Keeps track of all live websocket sessions so the
 *    server can count them and close them in bulk on shutdown.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionStore holds all live sessions.
type SessionStore struct {
	lock     sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore initializes the session store.
func NewSessionStore() *SessionStore {
	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

// NewSession creates a new session for an upgraded connection and starts its
// write loop. The caller runs the read loop.
func (ss *SessionStore) NewSession(conn *websocket.Conn, uid string, req *http.Request) *Session {
	s := &Session{
		sid:        uuid.NewString(),
		uid:        uid,
		ws:         conn,
		remoteAddr: req.RemoteAddr,
		send:       make(chan []byte, sendQueueLimit),
		stop:       make(chan []byte, 1),
		subs:       make(map[string]struct{}),
	}

	ss.lock.Lock()
	ss.sessions[s.sid] = s
	ss.lock.Unlock()

	statsInc("LiveSessions", 1)
	statsInc("TotalSessions", 1)

	go s.writeLoop()
	return s
}

// Get returns a session by id.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.sessions[sid]
}

// Delete removes the session from the store.
func (ss *SessionStore) Delete(s *Session) {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if _, ok := ss.sessions[s.sid]; ok {
		delete(ss.sessions, s.sid)
		statsInc("LiveSessions", -1)
	}
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.sessions)
}

// Shutdown terminates all sessions.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	for _, s := range ss.sessions {
		select {
		case s.stop <- nil:
		default:
		}
	}
	ss.sessions = make(map[string]*Session)
}
