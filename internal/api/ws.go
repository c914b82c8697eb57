package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/orchestrator"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleBuildSocket handles GET /ws/builds/:build_id
func (s *Server) handleBuildSocket(c *gin.Context) {
	buildID := c.Param("build_id")

	if _, err := s.orchestrator.GetBuild(buildID); err != nil {
		if errors.Is(err, orchestrator.ErrBuildNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.serveSocket(conn, broker.BuildTopic(buildID))
}

// handleUserSocket handles GET /ws/users/:user_id
func (s *Server) handleUserSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.serveSocket(conn, broker.UserTopic(c.Param("user_id")))
}

// serveSocket pushes a topic's envelopes to one client until the client
// goes away or the broker shuts down. The subscription buffer absorbs
// bursts; a client slower than that loses events rather than slowing
// the publishers down.
func (s *Server) serveSocket(conn *websocket.Conn, topic string) {
	sub := s.broker.Subscribe(topic)
	defer s.broker.Unsubscribe(sub)
	defer conn.Close()

	// Drain client reads so close frames and pongs are consumed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
