// Package transport provides the byte streams that carry messages
// between bus attachments and a router.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Transport is a raw connection between a bus attachment and a
// router, after the connection preamble has completed.
type Transport interface {
	io.ReadWriteCloser

	// PeerCredentials returns the operating system credentials of
	// the process at the other end of the transport, if the
	// transport can determine them.
	PeerCredentials() (Credentials, bool)
}

// Credentials identify a local process.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// ErrBadAddress is returned for bus addresses that cannot be parsed
// or name an unsupported transport.
var ErrBadAddress = errors.New("bad bus address")

// Address is a parsed bus address, such as "unix:path=/tmp/bus" or
// "null:name=test".
type Address struct {
	Transport string
	Params    map[string]string
}

func (a Address) String() string {
	var parts []string
	for k, v := range a.Params {
		parts = append(parts, k+"="+v)
	}
	return a.Transport + ":" + strings.Join(parts, ",")
}

// ParseAddresses parses a semicolon separated list of bus addresses.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		if one == "" {
			continue
		}
		kind, rest, ok := strings.Cut(one, ":")
		if !ok || kind == "" {
			return nil, fmt.Errorf("%w: %q has no transport", ErrBadAddress, one)
		}
		addr := Address{Transport: kind, Params: map[string]string{}}
		for _, kv := range strings.Split(rest, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("%w: parameter %q in %q is not key=value", ErrBadAddress, kv, one)
			}
			addr.Params[k] = v
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("%w: empty address", ErrBadAddress)
	}
	return ret, nil
}

// Dial connects to the first reachable router among the addresses in
// the semicolon separated list addrs, and completes the connection
// preamble. It returns the transport and the router's GUID.
func Dial(ctx context.Context, addrs string) (Transport, string, error) {
	parsed, err := ParseAddresses(addrs)
	if err != nil {
		return nil, "", err
	}
	var errs []error
	for _, addr := range parsed {
		conn, err := dialOne(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t, guid, err := Client(ctx, conn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return t, guid, nil
	}
	return nil, "", errors.Join(errs...)
}

func dialOne(ctx context.Context, addr Address) (net.Conn, error) {
	switch addr.Transport {
	case "unix":
		path := addr.Params["path"]
		if path == "" {
			return nil, fmt.Errorf("%w: unix address without path", ErrBadAddress)
		}
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	case "null":
		return dialNull(ctx, addr.Params["name"])
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrBadAddress, addr.Transport)
	}
}

// Listen listens for attachments on a single bus address.
func Listen(addr string) (net.Listener, error) {
	parsed, err := ParseAddresses(addr)
	if err != nil {
		return nil, err
	}
	if len(parsed) != 1 {
		return nil, fmt.Errorf("%w: can only listen on one address", ErrBadAddress)
	}
	switch a := parsed[0]; a.Transport {
	case "unix":
		if a.Params["path"] == "" {
			return nil, fmt.Errorf("%w: unix address without path", ErrBadAddress)
		}
		return net.Listen("unix", a.Params["path"])
	case "null":
		return ListenNull(a.Params["name"])
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrBadAddress, a.Transport)
	}
}

// streamTransport is a Transport over any net.Conn.
type streamTransport struct {
	conn net.Conn
	buf  *bufio.Reader
	guid string
}

func newStream(conn net.Conn) *streamTransport {
	return &streamTransport{
		conn: conn,
		buf:  bufio.NewReader(conn),
	}
}

func (s *streamTransport) Read(bs []byte) (int, error) {
	return s.buf.Read(bs)
}

func (s *streamTransport) Write(bs []byte) (int, error) {
	return s.conn.Write(bs)
}

func (s *streamTransport) Close() error {
	return s.conn.Close()
}

func (s *streamTransport) PeerCredentials() (Credentials, bool) {
	if uc, ok := s.conn.(*net.UnixConn); ok {
		return peerCredentials(uc)
	}
	if pc, ok := s.conn.(*pipeConn); ok {
		return pc.creds, true
	}
	return Credentials{}, false
}

// Client runs the client side of the connection preamble over conn,
// and returns the resulting transport and the router's GUID.
//
// The preamble is a short SASL exchange. Attachments authenticate
// anonymously at this layer: peers authenticate each other end to
// end later, and the router learns local peers' identity from the
// socket.
func Client(ctx context.Context, conn net.Conn) (Transport, string, error) {
	ret := newStream(conn)
	if err := withDeadline(ctx, conn, ret.clientPreamble); err != nil {
		conn.Close()
		return nil, "", err
	}
	return ret, ret.guid, nil
}

// Server runs the router side of the connection preamble over conn,
// announcing guid as the router's GUID.
func Server(ctx context.Context, conn net.Conn, guid string) (Transport, error) {
	ret := newStream(conn)
	ret.guid = guid
	if err := withDeadline(ctx, conn, ret.serverPreamble); err != nil {
		conn.Close()
		return nil, err
	}
	return ret, nil
}

func withDeadline(ctx context.Context, conn net.Conn, fn func() error) error {
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}
