//go:build linux

package net

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tapBackend moves frames over a host tap interface.
type tapBackend struct {
	name string
	fd   int
}

// openTap attaches to the named tap interface, creating it if it does not
// exist, and brings it up.
func openTap(name string) (Backend, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tap interface name %q too long", name)
	}

	if _, err := netlink.LinkByName(name); err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("tap %q: %w", name, err)
		}
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tap); err != nil {
			return nil, fmt.Errorf("create tap %q: %w", name, err)
		}
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		_     [22]byte
	}
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("attach to tap %q: %w", name, os.NewSyscallError("ioctl", errno))
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bring up tap %q: %w", name, err)
	}

	return &tapBackend{name: name, fd: fd}, nil
}

func (b *tapBackend) WriteFrame(frame []byte) error {
	if _, err := unix.Write(b.fd, frame); err != nil {
		return fmt.Errorf("tap %q: write frame: %w", b.name, err)
	}
	return nil
}

func (b *tapBackend) ReadFrame() ([]byte, error) {
	buf := make([]byte, MTU+14)
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("tap %q: read frame: %w", b.name, err)
	}
	return buf[:n], nil
}

func (b *tapBackend) PollFD() int { return b.fd }

func (b *tapBackend) Close() error {
	return unix.Close(b.fd)
}
