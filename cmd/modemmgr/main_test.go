package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeGateway struct {
	err      error
	deadline bool
}

func (g *fakeGateway) Shutdown(ctx context.Context) error {
	_, g.deadline = ctx.Deadline()
	return g.err
}

func TestStopGateway(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level logrus.Level
	}{
		{"clean", nil, logrus.InfoLevel},
		{"failed", context.DeadlineExceeded, logrus.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			gw := &fakeGateway{err: tt.err}
			stopGateway(gw, time.Second, logrus.NewEntry(logger))
			if !gw.deadline {
				t.Error("Shutdown() called without a deadline")
			}
			e := hook.LastEntry()
			if e == nil || e.Level != tt.level {
				t.Fatalf("last entry = %+v", e)
			}
			if got, _ := e.Data[logrus.ErrorKey].(error); !errors.Is(got, tt.err) {
				t.Errorf("logged error = %v, want %v", got, tt.err)
			}
		})
	}
}
