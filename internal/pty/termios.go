package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho turns off terminal echo so commands written to the master are
// not read back as output. SyscallConn keeps the file in non-blocking mode,
// which read deadlines depend on.
func disableEcho(f *os.File) error {
	sc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = sc.Control(func(fd uintptr) {
		t, err := unix.IoctlGetTermios(int(fd), ioctlGetTermios)
		if err != nil {
			opErr = err
			return
		}
		t.Lflag &^= unix.ECHO | unix.ECHONL
		opErr = unix.IoctlSetTermios(int(fd), ioctlSetTermios, t)
	})
	if err != nil {
		return err
	}
	return opErr
}
