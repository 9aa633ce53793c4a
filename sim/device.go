package sim

import (
	"bytes"
	"net"
	"sync"
	"time"
)

// Device is the host side of a simulated modem. It satisfies
// modemmgr.Device: Read waits at most the read timeout and returns (0, nil)
// when nothing arrived, like a serial port.
type Device struct {
	conn   net.Conn
	modem  *Modem
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	wake   chan struct{}
	rdTime time.Duration
}

// NewDevice starts a modem attached to an in-memory link. config.TTY is
// ignored; config may be nil.
func NewDevice(config *Config) (*Device, error) {
	var c Config
	if config != nil {
		c = *config
	}
	host, tty := net.Pipe()
	c.TTY = tty
	m, err := NewModem(&c)
	if err != nil {
		host.Close()
		tty.Close()
		return nil, err
	}
	d := &Device{conn: host, modem: m, wake: make(chan struct{}, 1), rdTime: -1}
	go d.pump()
	return d, nil
}

// Modem returns the simulated modem behind the device.
func (d *Device) Modem() *Modem {
	return d.modem
}

// pump drains the link continuously so modem writes never wait for the host.
func (d *Device) pump() {
	chunk := make([]byte, 512)
	for {
		n, err := d.conn.Read(chunk)
		d.mu.Lock()
		d.buf.Write(chunk[:n])
		if err != nil {
			d.err = err
		}
		d.mu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// Read implements modemmgr.Device.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	timeout := d.rdTime
	d.mu.Unlock()
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		d.mu.Lock()
		if d.buf.Len() > 0 {
			n, _ := d.buf.Read(p)
			d.mu.Unlock()
			return n, nil
		}
		err := d.err
		d.mu.Unlock()
		if err != nil {
			return 0, err
		}
		select {
		case <-d.wake:
		case <-expired:
			return 0, nil
		}
	}
}

// Write implements modemmgr.Device.
func (d *Device) Write(p []byte) (int, error) {
	return d.conn.Write(p)
}

// ResetInputBuffer discards received but unread output of the modem.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Reset()
	return nil
}

// SetReadTimeout sets the Read timeout. A negative value blocks until data arrives.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rdTime = t
	return nil
}

// Close detaches the host; the modem sees its TTY closed.
func (d *Device) Close() error {
	return d.conn.Close()
}
