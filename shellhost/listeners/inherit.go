package listeners

import (
	"fmt"
	"net"
	"os"

	"github.com/tomyedwab/shellhost/shellhost/shell"
)

// InheritedListen returns a Listen function for Options that serves an
// already open socket when files holds one for the address, and calls
// fallback otherwise. Supervised workers use it so that every worker accepts
// on the sockets the supervisor opened instead of binding their own.
func InheritedListen(files map[string]*os.File, fallback func(network, address string) (net.Listener, error)) func(network, address string) (net.Listener, error) {
	if fallback == nil {
		fallback = net.Listen
	}
	byAddr := make(map[string]*os.File, len(files))
	for addr, f := range files {
		byAddr[shell.NormalizeAddress(addr)] = f
	}
	return func(network, address string) (net.Listener, error) {
		f, ok := byAddr[shell.NormalizeAddress(address)]
		if !ok {
			return fallback(network, address)
		}
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("failed to use inherited socket for %s: %w", address, err)
		}
		return ln, nil
	}
}
