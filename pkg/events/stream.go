package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// StreamServer exposes run events over websocket. A client connects to
// /ws/runs/{run_id} and receives that run's events as JSON frames until
// the run finishes or the client disconnects.
type StreamServer struct {
	hub      *Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewStreamServer creates a websocket event streamer over a hub
func NewStreamServer(hub *Hub, logger zerolog.Logger) *StreamServer {
	return &StreamServer{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http handler serving websocket subscriptions
func (s *StreamServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/runs/", s.handleSubscribe)
	return mux
}

// ListenAndServe starts serving on addr until ctx is cancelled
func (s *StreamServer) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("Event stream listening")
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *StreamServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Path[len("/ws/runs/"):]
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(runID)
	defer cancel()

	s.logger.Debug().Str("run_id", runID).Msg("Stream client connected")

	// Drain client reads so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to marshal event")
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debug().Err(err).Str("run_id", runID).Msg("Stream client write failed")
			return
		}

		if event.Type == EventRunCompleted || event.Type == EventRunFailed {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Type)),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
