package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"operaflow/internal/access"
	"operaflow/internal/events"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// newUpgrader accepts requests without an Origin header (non-browser
// clients), same-host origins and the listed ones.
func newUpgrader(allowed []string) websocket.Upgrader {
	set := map[string]bool{}
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[strings.ToLower(o)] = true
		}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || set["*"] || set[strings.ToLower(origin)] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

// stream pushes committed changes to a websocket client. ?kinds=task,conflict
// narrows the feed by entity kind. Slow clients lose changes rather than
// stall the publisher.
func (h handlers) stream(w http.ResponseWriter, r *http.Request) {
	if _, err := authorize(r.Context(), h.table, access.RouteEvents, access.Read); err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	var kinds []string
	for _, k := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("change stream upgrade failed")
		return
	}
	defer conn.Close()

	queue := make(chan events.Change, streamBuffer)
	unsubscribe := h.e.Bus.Subscribe(func(c events.Change) {
		select {
		case queue <- c:
		default:
			h.log.WithField("event_id", c.EventID).Warn("change stream client too slow, dropping change")
		}
	}, kinds...)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	log := h.log.WithField("remote", r.RemoteAddr)
	log.Debug("change stream connected")
	for {
		select {
		case <-closed:
			log.Debug("change stream disconnected")
			return
		case c := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(c); err != nil {
				log.WithError(err).Debug("change stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
