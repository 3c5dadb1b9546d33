//go:build unix

package group

import "golang.org/x/sys/unix"

// Hostname returns the node name reported by uname(2).
func Hostname() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "localhost"
	}
	if name := unix.ByteSliceToString(u.Nodename[:]); name != "" {
		return name
	}
	return "localhost"
}
