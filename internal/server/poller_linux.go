//go:build linux

package server

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	eventRead  = unix.EPOLLIN
	eventWrite = unix.EPOLLOUT
	eventError = unix.EPOLLERR | unix.EPOLLHUP
)

// poller is a level-triggered epoll instance with an eventfd used to wake
// a blocked wait from another goroutine.
type poller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &poller{
		fd:     fd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
	}

	if err := p.add(wakeFd, eventRead); err != nil {
		return nil, multierr.Append(err, p.close())
	}

	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// wait blocks for at most timeoutMs milliseconds (-1 blocks indefinitely).
// An interrupted wait returns no events and no error.
func (p *poller) wait(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	return p.events[:n], nil
}

func (p *poller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(p.wakeFd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func (p *poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakeFd, buf[:])
}

func (p *poller) close() error {
	return multierr.Combine(unix.Close(p.wakeFd), unix.Close(p.fd))
}
