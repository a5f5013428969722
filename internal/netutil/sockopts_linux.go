//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SetLinuxOptions applies bind-to-device, TCP congestion control, and TCP
// MSS via setsockopt on the raw file descriptor underlying conn. conn must
// expose SyscallConn (as *net.TCPConn and *net.UDPConn do).
func SetLinuxOptions(conn syscall.Conn, opts SocketOptions) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if opts.BindToDevice != "" {
			if e := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, opts.BindToDevice); e != nil {
				setErr = e
				return
			}
		}
		if opts.Congestion != "" {
			if e := unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, opts.Congestion); e != nil {
				setErr = e
				return
			}
		}
		if opts.MSS != 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, opts.MSS); e != nil {
				setErr = e
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return setErr
}
