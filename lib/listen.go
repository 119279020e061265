package lib

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseListenAddr resolves a listen specification of the form
// [scheme://]host[:port] into a host:port string net.ListenPacket accepts.
// "*" means 0.0.0.0. A scheme without a port is looked up in the system
// service database; everything else defaults to port 69.
func ParseListenAddr(spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("empty listen specification")
	}

	scheme := ""
	rest := spec
	if i := strings.Index(spec, "://"); i >= 0 {
		scheme = spec[:i]
		rest = spec[i+3:]
	}
	if rest == "" {
		return "", fmt.Errorf("no host in listen specification %q", spec)
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		// No port in the specification.
		host = rest
		port = ""
	}

	if port == "" {
		portNum := DefaultPort
		if scheme != "" {
			if n, err := net.LookupPort("udp", scheme); err == nil {
				portNum = n
			}
		}
		port = strconv.Itoa(portNum)
	}

	if host == "*" || host == "" {
		host = "0.0.0.0"
	}

	return net.JoinHostPort(host, port), nil
}
