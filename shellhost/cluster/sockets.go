package cluster

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// EnvListenAddrs lists the addresses of the listening sockets a worker
// inherits, comma separated. The sockets follow the control pipe in
// descriptor order.
const EnvListenAddrs = "SHELLHOST_LISTEN_ADDRS"

// Socket is a listening socket held by the supervisor and shared by its
// workers.
type Socket struct {
	Addr  string   // configured host:port
	Local net.Addr // address the socket is bound to
	File  *os.File
}

// SocketSet holds one listening socket per bind address. The supervisor
// opens it before starting workers and never accepts on it, so every worker
// and every replacement serves the same sockets.
type SocketSet struct {
	sockets []Socket
}

type fileListener interface {
	File() (*os.File, error)
}

// OpenSockets listens once on every distinct address.
func OpenSockets(addrs []string) (*SocketSet, error) {
	set := &SocketSet{}
	seen := make(map[string]bool)
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		fl, ok := ln.(fileListener)
		if !ok {
			ln.Close()
			set.Close()
			return nil, fmt.Errorf("listener on %s cannot be shared", addr)
		}
		// File returns a duplicate descriptor; the socket stays open through it.
		f, err := fl.File()
		local := ln.Addr()
		ln.Close()
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to share listener on %s: %w", addr, err)
		}
		set.sockets = append(set.sockets, Socket{Addr: addr, Local: local, File: f})
	}
	return set, nil
}

// Sockets returns the sockets in the order they were opened.
func (s *SocketSet) Sockets() []Socket {
	return append([]Socket(nil), s.sockets...)
}

// Close closes the supervisor's copies of the sockets.
func (s *SocketSet) Close() error {
	var errs []error
	for _, sock := range s.sockets {
		if err := sock.File.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.sockets = nil
	return errors.Join(errs...)
}

// InheritedSockets returns the listening sockets passed to this process by
// a Supervisor, keyed by configured address. It is empty when the process
// runs standalone.
func InheritedSockets() map[string]*os.File {
	ret := make(map[string]*os.File)
	raw := os.Getenv(EnvListenAddrs)
	if raw == "" {
		return ret
	}
	for i, addr := range strings.Split(raw, ",") {
		if f := os.NewFile(uintptr(controlFD+1+i), "listener "+addr); f != nil {
			ret[addr] = f
		}
	}
	return ret
}
