package netx

import (
	"fmt"
	"net"
	"strconv"
)

// ListenTCP listens on host:port. If that address can't be bound, it falls back to an ephemeral port on host
// and reports fellBack. The first bind error is only returned if the fallback fails too.
func ListenTCP(host string, port int) (l net.Listener, fellBack bool, err error) {
	l, bindErr := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if bindErr == nil {
		return l, false, nil
	}
	if port == 0 {
		return nil, false, fmt.Errorf("listening on %s: %w", host, bindErr)
	}
	l, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, true, fmt.Errorf("listening on %s:%d (%s) and on an ephemeral port: %w", host, port, bindErr, err)
	}
	return l, true, nil
}

// Port returns the TCP port a listener is bound to.
func Port(l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}

// GetEphemeralTCPPort returns a port that was free at the time of the call.
func GetEphemeralTCPPort() (int, error) {
	l, _, err := ListenTCP("localhost", 0)
	if err != nil {
		return 0, fmt.Errorf("acquiring port: %w", err)
	}
	defer l.Close()
	return Port(l), nil
}
