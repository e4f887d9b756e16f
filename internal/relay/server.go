package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server serves a Relay on /ws.
type Server struct {
	relay    *Relay
	listener net.Listener
	http     *http.Server
}

// NewServer wraps relay in an HTTP server.
func NewServer(relay *Relay) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	return &Server{
		relay: relay,
		http:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Start listens on addr (":0" picks a free port) and serves in the
// background. Returns the bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.relay.log.Errorf("relay server stopped: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close stops accepting connections and closes every client link.
func (s *Server) Close(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.relay.Shutdown()
	return err
}
