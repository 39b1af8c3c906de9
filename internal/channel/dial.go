package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Dial opens a channel to the worker at address. It makes a single attempt;
// retry policy belongs to the caller.
func Dial(ctx context.Context, address string) (*Channel, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	switch addr.Network {
	case NetworkVsock:
		cid, err := strconv.ParseUint(addr.Host, 10, 32)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("vsock address %s needs a context id", addr)}
		}
		conn, err := vsock.Dial(uint32(cid), addr.Port, nil)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("vsock %s: %w", addr, err)}
		}
		return New(conn, nil), nil

	case NetworkFCVsock:
		conn, r, err := dialVsockUDS(ctx, addr.Path, addr.Port)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return New(conn, r), nil

	default:
		var d net.Dialer
		hostport := net.JoinHostPort(addr.Host, strconv.FormatUint(uint64(addr.Port), 10))
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return New(conn, nil), nil
	}
}

// dialVsockUDS connects to Firecracker's host-side vsock UDS and performs the
// CONNECT handshake: send "CONNECT <port>\n", receive "OK <host_port>\n".
// The returned reader must be used for all later reads since it may hold
// bytes read ahead during the handshake.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, io.Reader, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	// The channel outlives the dial context.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("clear deadline: %w", err)
	}
	return conn, reader, nil
}

// Listen opens a worker-side listener for a tcp or vsock address.
func Listen(address string) (net.Listener, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	switch addr.Network {
	case NetworkVsock:
		l, err := vsock.Listen(addr.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", addr.Port, err)
		}
		return l, nil
	case NetworkTCP:
		hostport := net.JoinHostPort(addr.Host, strconv.FormatUint(uint64(addr.Port), 10))
		l, err := net.Listen("tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", hostport, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("cannot listen on %s address %s", addr.Network, address)
	}
}

// ListenerAddress returns the bound address of l in the form Dial accepts.
func ListenerAddress(l net.Listener) string {
	switch a := l.Addr().(type) {
	case *vsock.Addr:
		return Address{
			Network: NetworkVsock,
			Host:    strconv.FormatUint(uint64(a.ContextID), 10),
			Port:    a.Port,
		}.String()
	case *net.TCPAddr:
		return Address{
			Network: NetworkTCP,
			Host:    a.IP.String(),
			Port:    uint32(a.Port),
		}.String()
	default:
		return l.Addr().String()
	}
}
