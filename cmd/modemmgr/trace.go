package main

import (
	"time"

	"github.com/nayarsystems/iotrace"
	"github.com/sirupsen/logrus"
)

const (
	traceBufferSize   = 512
	traceFlushTimeout = 50 * time.Millisecond
)

// tracedDevice logs the raw bytes exchanged with the modem. Reads, writes
// and Close go through the tracer, port control goes to the port.
type tracedDevice struct {
	*iotrace.RWCTracer
	port device
}

func newTracedDevice(port device, log *logrus.Entry) *tracedDevice {
	return &tracedDevice{
		RWCTracer: iotrace.NewRWCTracer(port, traceBufferSize, traceFlushTimeout,
			func(b []byte) { log.Debugf("TX %q", b) },
			func(b []byte) { log.Debugf("RX %q", b) }),
		port: port,
	}
}

func (d *tracedDevice) ResetInputBuffer() error {
	return d.port.ResetInputBuffer()
}

func (d *tracedDevice) SetReadTimeout(t time.Duration) error {
	return d.port.SetReadTimeout(t)
}
