// Command modemsim runs a simulated voice modem on a pseudo terminal so
// modemmgr can be exercised without hardware:
//
//	modemsim --link /tmp/ttyMODEM &
//	modemmgr --modem /tmp/ttyMODEM
//
// Incoming calls, DTMF tones and remote hangups are injected from stdin.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	gopty "github.com/aymanbagabas/go-pty"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/ENGK3/modemmgr/internal/logging"
	"github.com/ENGK3/modemmgr/sim"
)

type options struct {
	Backend      string        `long:"backend" default:"raw" choice:"raw" choice:"gopty" description:"Pseudo terminal implementation"`
	Link         string        `long:"link" description:"Create a symlink to the pty slave at this path"`
	AnswerDelay  time.Duration `long:"answer-delay" default:"2s" description:"Time for a dialed party to answer"`
	RingInterval time.Duration `long:"ring-interval" default:"3s" description:"Time between RING indications"`
	RingMax      int           `long:"ring-max" default:"5" description:"Rings before an unanswered caller gives up"`
	Busy         []string      `long:"busy" description:"Number answering BUSY (repeatable)"`
	NoAnswer     []string      `long:"no-answer" description:"Number answering NO ANSWER (repeatable)"`
	Error        []string      `long:"error" description:"Number failing with ERROR (repeatable)"`
	LogLevel     string        `long:"log-level" default:"INFO" description:"DEBUG, INFO, WARNING or ERROR"`
}

// tty is the terminal the modem is attached to.
type tty interface {
	io.ReadWriteCloser
	Name() string
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	logs, err := logging.New(logging.Options{Level: opts.LogLevel, Console: os.Stderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logs.Close()
	log := logs.Entry("sim")

	t, err := openTTY(opts.Backend, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open pseudo terminal")
	}
	defer t.Close()
	log.Infof("tty path: %s", t.Name())
	if opts.Link != "" {
		os.Remove(opts.Link)
		if err := os.Symlink(t.Name(), opts.Link); err != nil {
			log.WithError(err).Fatalf("Failed to link %s", opts.Link)
		}
		defer os.Remove(opts.Link)
		log.Infof("Linked %s -> %s", opts.Link, t.Name())
	}

	m, err := sim.NewModem(&sim.Config{
		TTY:             t,
		AnswerDelay:     opts.AnswerDelay,
		RingInterval:    opts.RingInterval,
		RingMax:         opts.RingMax,
		BusyNumbers:     opts.Busy,
		NoAnswerNumbers: opts.NoAnswer,
		ErrorNumbers:    opts.Error,
		StatusTransition: func(_ *sim.Modem, prev, next sim.Status) {
			log.Infof("Modem status %s -> %s", prev, next)
		},
		Logger: log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create modem")
	}
	defer m.CloseSync()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- runConsole(os.Stdin, os.Stdout, m) }()

	select {
	case sig := <-sigs:
		log.Infof("Received %s", sig)
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("Console failed")
		}
	}
	printMetrics(os.Stdout, m.MetricsSync())
}

func openTTY(backend string, log *logrus.Entry) (tty, error) {
	if backend == "gopty" {
		return gopty.New()
	}
	p, err := sim.NewPty()
	if err != nil {
		return nil, err
	}
	if err := p.MakeRaw(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Release(); err != nil {
		p.Close()
		return nil, err
	}
	go watchSlave(p, log)
	return p, nil
}

// watchSlave logs when a program opens or closes the slave side.
func watchSlave(p *sim.Pty, log *logrus.Entry) {
	attached := false
	for {
		closed, err := p.IsSlaveClosed()
		if err != nil {
			return
		}
		if attached == closed {
			attached = !closed
			if attached {
				log.Info("Terminal attached")
			} else {
				log.Info("Terminal detached")
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
}
