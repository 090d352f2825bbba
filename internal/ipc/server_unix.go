//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// permissionFor grants read-write to peers running as the daemon's user
// and read-only to everyone else. Connections without credentials, such
// as in-process pipes, are trusted.
func permissionFor(conn net.Conn) (PermissionLevel, *PeerCredentials) {
	if _, ok := conn.(*net.UnixConn); !ok {
		return PermReadWrite, nil
	}
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return PermReadOnly, nil
	}
	if cred.UID == os.Getuid() {
		return PermReadWrite, cred
	}
	return PermReadOnly, cred
}

// ParseSocketMode parses an octal permission string such as "0600".
func ParseSocketMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0600, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket permissions %q: %w", s, err)
	}
	if v > 0777 {
		return 0, fmt.Errorf("invalid socket permissions %q", s)
	}
	return os.FileMode(v), nil
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
