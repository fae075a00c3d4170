//go:build !linux

package transport

import "net"

func peerCredentials(uc *net.UnixConn) (Credentials, bool) {
	return Credentials{}, false
}
