//go:build !linux

package netutil

import "syscall"

// SetLinuxOptions is a no-op on non-Linux platforms: bind-to-device,
// congestion control selection, and MSS clamping have no portable
// equivalent, matching the original's own #[cfg(target_os = "linux")] gate.
func SetLinuxOptions(conn syscall.Conn, opts SocketOptions) error {
	return nil
}
