package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"

	keepaliveInterval = 20 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseEventFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := s.subscribe(filter, transportSSE)
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			s.metrics.IncEventsSent(transportSSE)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseEventFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.cors != nil {
		if s.cors.allowAll {
			opts.InsecureSkipVerify = true
		} else {
			for origin := range s.cors.origins {
				opts.OriginPatterns = append(opts.OriginPatterns, hostOf(origin))
			}
		}
	}
	conn, err := websocket.Accept(baseWriter(w), r, opts)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err, "ip", remoteIP(r))
		return
	}
	defer conn.CloseNow()

	sub, ok := s.subscribe(filter, transportWS)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncEventsSent(transportWS)
		}
	}
}

func hostOf(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
