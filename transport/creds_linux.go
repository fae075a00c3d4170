package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

func peerCredentials(uc *net.UnixConn) (Credentials, bool) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}, false
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return Credentials{}, false
	}
	return Credentials{
		PID: cred.Pid,
		UID: cred.Uid,
		GID: cred.Gid,
	}, true
}
