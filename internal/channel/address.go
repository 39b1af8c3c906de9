package channel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Address networks.
const (
	NetworkTCP     = "tcp"
	NetworkVsock   = "vsock"
	NetworkFCVsock = "fcvsock"
)

// Address is a parsed worker endpoint. Accepted forms:
//
//	tcp://host:port or host:port
//	vsock://cid:port (cid may be empty when listening)
//	fcvsock:/path/to/firecracker.vsock?port=N
type Address struct {
	Network string
	Host    string // tcp host or vsock context id
	Port    uint32
	Path    string // Firecracker vsock UDS path
}

// ParseAddress parses s into an Address.
func ParseAddress(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, NetworkFCVsock+":"):
		rest := strings.TrimPrefix(s, NetworkFCVsock+":")
		path, query, ok := strings.Cut(rest, "?")
		if !ok || path == "" {
			return Address{}, fmt.Errorf("address %q: want fcvsock:<uds-path>?port=N", s)
		}
		values, err := url.ParseQuery(query)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: %w", s, err)
		}
		port, err := parsePort(values.Get("port"))
		if err != nil {
			return Address{}, fmt.Errorf("address %q: %w", s, err)
		}
		return Address{Network: NetworkFCVsock, Path: path, Port: port}, nil

	case strings.HasPrefix(s, NetworkVsock+"://"):
		hostport := strings.TrimPrefix(s, NetworkVsock+"://")
		cid, portStr, ok := strings.Cut(hostport, ":")
		if !ok {
			return Address{}, fmt.Errorf("address %q: want vsock://cid:port", s)
		}
		if cid != "" {
			if _, err := strconv.ParseUint(cid, 10, 32); err != nil {
				return Address{}, fmt.Errorf("address %q: invalid context id %q", s, cid)
			}
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: %w", s, err)
		}
		return Address{Network: NetworkVsock, Host: cid, Port: port}, nil

	default:
		hostport := strings.TrimPrefix(s, NetworkTCP+"://")
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: %w", s, err)
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: %w", s, err)
		}
		// vsock ports are 32-bit; tcp ports are not.
		if port > 65535 {
			return Address{}, fmt.Errorf("address %q: port %d out of range", s, port)
		}
		return Address{Network: NetworkTCP, Host: host, Port: port}, nil
	}
}

func parsePort(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("missing port")
	}
	p, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint32(p), nil
}

// String formats the address in the form ParseAddress accepts.
func (a Address) String() string {
	switch a.Network {
	case NetworkVsock:
		return fmt.Sprintf("vsock://%s:%d", a.Host, a.Port)
	case NetworkFCVsock:
		return fmt.Sprintf("fcvsock:%s?port=%d", a.Path, a.Port)
	default:
		return "tcp://" + net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
	}
}

// IsWildcard reports whether a tcp address names no specific host.
func (a Address) IsWildcard() bool {
	if a.Network != NetworkTCP {
		return false
	}
	switch a.Host {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// WithHost returns a copy of a with a wildcard tcp host replaced by host.
// Other addresses are returned unchanged.
func (a Address) WithHost(host string) Address {
	if a.IsWildcard() && host != "" {
		a.Host = host
	}
	return a
}
