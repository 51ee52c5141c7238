package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

const (
	// MDNSServiceType is advertised when mDNS is enabled.
	MDNSServiceType = "_nfc-wedge._tcp"
	mdnsDomain      = "local."
)

// Server runs the status API and the WebSocket hub.
type Server struct {
	Hub      *WSHub
	Snapshot *ReaderSnapshot

	addr       string
	mdns       bool
	listener   net.Listener
	httpServer *http.Server
	mdnsServer *zeroconf.Server
	cancel     context.CancelFunc
}

// NewServer creates a server listening on addr. The snapshot must be
// registered as the watcher's observer and Hub added to the output sinks.
func NewServer(addr string, advertise bool) *Server {
	snapshot := NewReaderSnapshot()
	return &Server{
		Hub:      NewWSHub(snapshot),
		Snapshot: snapshot,
		addr:     addr,
		mdns:     advertise,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)
	go s.Hub.Run(ctx)

	s.httpServer = &http.Server{
		Handler:           NewMux(s.Snapshot, s.Hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer logging.RecoverAndLog("HTTP server", false)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatHTTP, "HTTP server stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	logging.Info(logging.CatHTTP, "Status API listening", map[string]any{
		"address": ln.Addr().String(),
	})

	if s.mdns {
		if err := s.startMDNS(); err != nil {
			// Discovery is optional; the API keeps running without it
			logging.Warn(logging.CatHTTP, "mDNS registration failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) startMDNS() error {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	instance := "nfc-wedge"
	if host, err := os.Hostname(); err == nil && host != "" {
		instance += "-" + host
	}

	txtRecords := []string{
		"version=" + Version,
		"protocol=websocket",
		"path=/v1/ws",
	}

	server, err := zeroconf.Register(instance, MDNSServiceType, mdnsDomain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdnsServer = server

	logging.Info(logging.CatHTTP, "mDNS service registered", map[string]any{
		"instance": instance,
		"port":     port,
	})
	return nil
}

// Shutdown stops mDNS, the HTTP server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
		s.httpServer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}
