/******************************************************************************
 *
 *  Description :
 *    Websocket endpoint. Upgrades the connection, ensures the connecting
 *    user's directory record exists, then hands the connection to a session.
 *
 *****************************************************************************/

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisperline/whisperline/server/logs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin browser clients are expected; auth is handled above the
	// transport layer.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// serveWebSocket handles websocket requests from peers.
func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	uid := req.URL.Query().Get("uid")
	if uid == "" {
		http.Error(wrt, "missing uid", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if err != nil {
		logs.Warn.Println("ws: connection upgrade failed:", err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	displayName := req.URL.Query().Get("name")
	email := req.URL.Query().Get("email")
	if _, err := globals.hub.UserRef(uid).EnsureRegistered(ctx, uid, email, displayName); err != nil {
		logs.Warn.Println("ws: cannot ensure user record for", uid, err)
		ws.Close()
		return
	}

	s := globals.sessionStore.NewSession(ws, uid, req)
	logs.Info.Println("ws: session started", s.sid, uid, s.remoteAddr)
	s.readLoop()
}
