package capture

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysCalls is the kernel surface the device needs. Tests replace it.
type sysCalls interface {
	open(path string) (int, error)
	close(fd int) error
	ioctl(fd int, req uintptr, arg unsafe.Pointer) error
	mmap(fd int, offset int64, length int) ([]byte, error)
	munmap(b []byte) error
	// poll waits until fd is readable. timeout <= 0 waits forever.
	poll(fd int, timeout time.Duration) (bool, error)
}

type unixSys struct{}

func (unixSys) open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (unixSys) close(fd int) error {
	return unix.Close(fd)
}

func (unixSys) ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func (unixSys) mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixSys) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (unixSys) poll(fd int, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, unix.EIO
		}
		return true, nil
	}
}
