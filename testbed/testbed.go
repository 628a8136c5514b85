// Package testbed runs an in-process RESP server for tests. It speaks just
// enough of the protocol to exercise pipelining, pub/sub and failure paths:
// unknown commands answer with an error frame, HANG swallows its request
// without replying, and PUSH injects an unsolicited push frame on the calling
// connection.
package testbed

import (
	"net"
	"sync"
)

// Server is one in-process server instance. The zero value is usable; Start
// picks a free port.
type Server struct {
	// RequirePass, when set, makes every command but AUTH fail until the
	// client authenticates.
	RequirePass string

	mu      sync.Mutex
	lis     net.Listener
	clients map[*client]struct{}
	data    map[string]string
}

type client struct {
	srv *Server
	c   net.Conn

	wmu sync.Mutex // serializes replies and published pushes

	channels map[string]bool
	patterns map[string]bool
	authed   bool
}

// Start begins listening. Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.lis = lis
	if s.clients == nil {
		s.clients = make(map[*client]struct{})
	}
	if s.data == nil {
		s.data = make(map[string]string)
	}
	go s.acceptLoop(lis)
	return nil
}

// Addr is the address clients should dial, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop closes the listener and all live connections.
func (s *Server) Stop() {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()
	if lis != nil {
		lis.Close()
	}
	s.DropConnections()
}

// DropConnections severs every live connection, simulating a transport
// failure. The listener stays up, so clients may reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()
	for _, cl := range clients {
		cl.c.Close()
	}
}

// ConnCount is the number of live client connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		cl := &client{
			srv:      s,
			c:        c,
			channels: make(map[string]bool),
			patterns: make(map[string]bool),
		}
		s.mu.Lock()
		s.clients[cl] = struct{}{}
		s.mu.Unlock()
		go cl.serve()
	}
}

func (s *Server) forget(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
}

func (s *Server) publish(channel, payload string) int {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	n := 0
	for _, cl := range clients {
		if cl.subscribed(channel) {
			cl.push("message", channel, payload)
			n++
		}
		for _, pat := range cl.patternsMatching(channel) {
			cl.push("pmessage", pat, channel, payload)
			n++
		}
	}
	return n
}
