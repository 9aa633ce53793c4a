//go:build linux || darwin || freebsd

package sim

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// hangupPoll is the retry interval of Read while no client has the slave open.
const hangupPoll = 100 * time.Millisecond

// Pty is a Unix pseudo terminal. The modem runs on the master side; the
// modem manager opens Name().
type Pty struct {
	master, slave *os.File
	released      atomic.Bool
	closed        atomic.Bool
}

// NewPty opens a pseudo terminal pair.
func NewPty() (*Pty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Pty{master: master, slave: slave}, nil
}

// Name returns the path of the slave device.
func (p *Pty) Name() string {
	return p.slave.Name()
}

// Read reads from the master. After Release it waits for a client instead
// of failing while the slave is not open.
func (p *Pty) Read(b []byte) (int, error) {
	for {
		n, err := p.master.Read(b)
		if err == nil || !errors.Is(err, unix.EIO) || !p.released.Load() || p.closed.Load() {
			return n, err
		}
		time.Sleep(hangupPoll)
	}
}

func (p *Pty) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Release closes the local slave handle so that IsSlaveClosed reports
// whether a client has the device open.
func (p *Pty) Release() error {
	if p.released.Swap(true) {
		return nil
	}
	return p.slave.Close()
}

// Close closes both ends. It is safe to call more than once.
func (p *Pty) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	errs := []error{p.master.Close()}
	if !p.released.Swap(true) {
		errs = append(errs, p.slave.Close())
	}
	return errors.Join(errs...)
}

// MakeRaw disables echo and line editing on the slave so AT traffic passes
// unmodified. It must be called before Release.
func (p *Pty) MakeRaw() error {
	fd := int(p.slave.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}

// IsSlaveClosed reports whether no process holds the slave open.
func (p *Pty) IsSlaveClosed() (bool, error) {
	fds := []unix.PollFd{{
		Fd:     int32(p.master.Fd()),
		Events: unix.POLLOUT,
	}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false, err
	}
	// POLLHUP: no process has the slave open
	return fds[0].Revents&unix.POLLHUP != 0, nil
}
