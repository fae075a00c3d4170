package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
)

// The null transport connects attachments to a router in the same
// process, over in-memory pipes.

var (
	nullMu        sync.Mutex
	nullListeners = map[string]*NullListener{}
)

// NullListener is a net.Listener for in-process connections to a
// named router.
type NullListener struct {
	name    string
	conns   chan net.Conn
	done    chan struct{}
	closeMu sync.Once
}

// ListenNull registers an in-process listener under name, reachable
// with the address "null:name=<name>".
func ListenNull(name string) (*NullListener, error) {
	nullMu.Lock()
	defer nullMu.Unlock()
	if _, ok := nullListeners[name]; ok {
		return nil, fmt.Errorf("null transport %q already in use", name)
	}
	ret := &NullListener{
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	nullListeners[name] = ret
	return ret, nil
}

func (l *NullListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *NullListener) Close() error {
	l.closeMu.Do(func() {
		nullMu.Lock()
		defer nullMu.Unlock()
		if nullListeners[l.name] == l {
			delete(nullListeners, l.name)
		}
		close(l.done)
	})
	return nil
}

func (l *NullListener) Addr() net.Addr {
	return nullAddr(l.name)
}

type nullAddr string

func (nullAddr) Network() string  { return "null" }
func (a nullAddr) String() string { return "null:name=" + string(a) }

// pipeConn is one end of an in-process connection. Both ends belong
// to this process, so each knows the other's credentials.
type pipeConn struct {
	net.Conn
	creds Credentials
}

func selfCredentials() Credentials {
	return Credentials{
		PID: int32(os.Getpid()),
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
}

func dialNull(ctx context.Context, name string) (net.Conn, error) {
	nullMu.Lock()
	l := nullListeners[name]
	nullMu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("no null transport router named %q", name)
	}
	client, server := net.Pipe()
	creds := selfCredentials()
	select {
	case l.conns <- &pipeConn{server, creds}:
		return &pipeConn{client, creds}, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("null transport router %q closed", name)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}
