package api

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/net/websocket"

	"github.com/umputun/command-feed/app/models"
)

const actionRequestItems = "request_items"

// wsRequest is a message sent by websocket client
type wsRequest struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// wsFeedHandler accepts connections from any origin, the feed is public
func (s *Server) wsFeedHandler() websocket.Server {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.wsFeed,
	}
}

// wsFeed pushes every published item to the client and answers its requests for recent items.
// All writes happen in this goroutine, reader only passes loaded items.
func (s *Server) wsFeed(ws *websocket.Conn) {
	defer ws.Close()
	sub := s.Broker.Subscribe()
	defer sub.Close()
	log.Printf("[DEBUG] websocket client connected, %s", ws.Request().RemoteAddr)

	replies := make(chan []models.FeedItem)
	quit := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.wsReceive(ws, replies, quit)
	}()
	defer close(quit)

	for {
		select {
		case item, ok := <-sub.Items():
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, item); err != nil {
				log.Printf("[DEBUG] websocket send failed, %v", err)
				return
			}
		case items := <-replies:
			// recent items loaded newest first, client gets them in chronological order
			for i := len(items) - 1; i >= 0; i-- {
				if err := websocket.JSON.Send(ws, items[i]); err != nil {
					log.Printf("[DEBUG] websocket send failed, %v", err)
					return
				}
			}
		case <-readerDone:
			log.Printf("[DEBUG] websocket client disconnected, %s", ws.Request().RemoteAddr)
			return
		}
	}
}

func (s *Server) wsReceive(ws *websocket.Conn, replies chan<- []models.FeedItem, quit <-chan struct{}) {
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if err != io.EOF {
				log.Printf("[DEBUG] websocket receive failed, %v", err)
			}
			return
		}

		req := wsRequest{}
		if err := json.Unmarshal([]byte(msg), &req); err != nil {
			log.Printf("[WARN] failed to parse websocket message %q, %v", msg, err)
			continue
		}
		if req.Action != actionRequestItems || req.Count <= 0 {
			log.Printf("[DEBUG] ignore websocket message %q", msg)
			continue
		}

		count := int(req.Count)
		if req.Count > int64(s.Conf.System.MaxRequest) {
			count = s.Conf.System.MaxRequest
		}
		items, err := s.Store.Recent(count, models.TestInclude)
		if err != nil {
			log.Printf("[WARN] failed to load recent commands, %v", err)
			continue
		}
		log.Printf("[DEBUG] sending %d recent commands to client", len(items))

		select {
		case replies <- items:
		case <-quit:
			return
		}
	}
}
