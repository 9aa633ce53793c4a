// Command modemmgr owns the cellular modem serial port, answers whitelisted
// calls and serves the JSON control protocol on TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/ENGK3/modemmgr"
	"github.com/ENGK3/modemmgr/audio"
	"github.com/ENGK3/modemmgr/callog"
	"github.com/ENGK3/modemmgr/httpapi"
	"github.com/ENGK3/modemmgr/internal/config"
	"github.com/ENGK3/modemmgr/internal/logging"
	"github.com/ENGK3/modemmgr/sim"
)

type options struct {
	Host        string   `long:"host" default:"0.0.0.0" description:"Control server listen host"`
	Port        int      `long:"port" default:"5555" description:"Control server listen port"`
	Modem       string   `long:"modem" default:"/dev/ttyUSB2" description:"Modem AT command serial device"`
	Baud        int      `long:"baud" default:"115200" description:"Serial baud rate"`
	ConfigFile  string   `long:"config-file" default:"/mnt/data/K3_config_settings" description:"Device settings file"`
	Whitelist   []string `long:"whitelist" description:"Whitelisted caller number (repeatable, overrides the settings file)"`
	LogLevel    string   `long:"log-level" default:"INFO" description:"DEBUG, INFO, WARNING or ERROR"`
	LogFile     string   `long:"log-file" default:"/mnt/data/calls.log" description:"Rotated log file (empty disables)"`
	Env         bool     `long:"env" description:"Print the audio environment and exit"`
	HistoryDB   string   `long:"history-db" description:"Call history sqlite database (empty disables)"`
	HistoryDays int      `long:"history-days" default:"90" description:"Prune call history older than this many days (0 keeps everything)"`
	HTTP        string   `long:"http" description:"HTTP gateway listen address (empty disables)"`
	Simulate    bool     `long:"simulate" description:"Use the built-in modem simulator instead of the serial device"`
	TraceSerial bool     `long:"trace-serial" description:"Log raw serial bytes at DEBUG level"`
}

// device is the modem connection: a serial port or the simulator.
type device interface {
	modemmgr.Device
	io.Closer
}

const monitorStopTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 2
	}

	if opts.Env {
		fmt.Println("Audio environment:")
		for _, line := range audio.Environment() {
			fmt.Println("  " + line)
		}
		return 0
	}

	logs, err := logging.New(logging.Options{Level: opts.LogLevel, File: opts.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 2
	}
	defer logs.Close()
	log := logs.Entry("main")

	settings, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.WithError(err).Error("Failed to load settings")
		return 1
	}
	if !settings.Loaded {
		log.Warnf("Settings file %s not found, using defaults", opts.ConfigFile)
	}
	whitelist := settings.NewWhitelist(opts.Whitelist...)
	log.Infof("Whitelist: %v", whitelist.Numbers())
	log.Infof("Incoming audio routing: %v, caller ID charset: %s", settings.AudioRouting, settings.CallerIDCharset)

	dev, err := openDevice(&opts, logs)
	if err != nil {
		log.WithError(err).Errorf("Failed to open modem %s", opts.Modem)
		return 1
	}
	defer dev.Close()

	at, err := modemmgr.NewTransport(dev, &modemmgr.TransportConfig{Logger: logs.Entry("at")})
	if err != nil {
		log.WithError(err).Error("Failed to create transport")
		return 1
	}

	mcfg := &modemmgr.Config{
		Transport:       at,
		Whitelist:       whitelist,
		Audio:           audio.NewPulse(&audio.Config{Logger: logs.Entry("audio")}),
		NoIncomingAudio: !settings.AudioRouting,
		CallerIDCharset: settings.CallerIDCharset,
		StatusTransition: func(_ *modemmgr.Manager, prev, next modemmgr.ModemState) {
			log.Debugf("Modem state %s -> %s", prev, next)
		},
		Logger: logs.Entry("manager"),
	}

	var history modemmgr.HistorySource
	if opts.HistoryDB != "" {
		store, err := openHistory(opts.HistoryDB, opts.HistoryDays, log)
		if err != nil {
			log.WithError(err).Error("Failed to open call history")
			return 1
		}
		defer store.Close()
		mcfg.Recorder = store
		history = store
	}

	manager, err := modemmgr.NewManager(mcfg)
	if err != nil {
		log.WithError(err).Error("Failed to create manager")
		return 1
	}

	srv, err := modemmgr.NewServer(manager, &modemmgr.ServerConfig{History: history, Logger: logs.Entry("server")})
	if err != nil {
		log.WithError(err).Error("Failed to create server")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- manager.Monitor(ctx) }()

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe(addr) }()
	log.Infof("Control server listening on %s", addr)

	var gw *httpapi.Gateway
	if opts.HTTP != "" {
		gw, err = httpapi.New(srv, &httpapi.Config{Logger: logs.Entry("http")})
		if err != nil {
			log.WithError(err).Error("Failed to create HTTP gateway")
			return 1
		}
		go func() {
			if err := gw.ListenAndServe(opts.HTTP); err != nil {
				log.WithError(err).Error("HTTP gateway failed")
				manager.Shutdown()
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	exit := 0
	monitorDone := false
	select {
	case sig := <-sigs:
		log.Infof("Received %s, shutting down", sig)
		manager.Shutdown()
	case <-manager.Done():
		log.Info("Shutdown command received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, modemmgr.ErrServerClosed) {
			log.WithError(err).Error("Control server failed")
			exit = 1
		}
		manager.Shutdown()
	case err := <-monitorErr:
		monitorDone = true
		if err != nil {
			log.WithError(err).Error("Serial monitor failed")
			exit = 1
		}
		manager.Shutdown()
	}

	srv.Close()
	if gw != nil {
		stopGateway(gw, monitorStopTimeout, log)
	}
	cancel()
	if !monitorDone {
		select {
		case err := <-monitorErr:
			if err != nil {
				log.WithError(err).Error("Serial monitor failed")
				exit = 1
			}
		case <-time.After(monitorStopTimeout):
			log.Warn("Serial monitor did not stop, abandoning it")
		}
	}
	log.Info("Modem manager stopped")
	return exit
}

func openDevice(opts *options, logs *logging.Logging) (device, error) {
	var dev device
	if opts.Simulate {
		logs.Entry("main").Info("Using the built-in modem simulator")
		d, err := sim.NewDevice(&sim.Config{Logger: logs.Entry("sim")})
		if err != nil {
			return nil, err
		}
		dev = d
	} else {
		port, err := serial.Open(opts.Modem, &serial.Mode{BaudRate: opts.Baud})
		if err != nil {
			return nil, err
		}
		logs.Entry("main").Infof("Opened %s at %d baud", opts.Modem, opts.Baud)
		dev = port
	}
	if opts.TraceSerial {
		return newTracedDevice(dev, logs.Entry("serial")), nil
	}
	return dev, nil
}

func openHistory(path string, days int, log *logrus.Entry) (*callog.Store, error) {
	store, err := callog.Open(path)
	if err != nil {
		return nil, err
	}
	if days > 0 {
		n, err := store.Prune(time.Now().AddDate(0, 0, -days))
		if err != nil {
			store.Close()
			return nil, err
		}
		if n > 0 {
			log.Infof("Pruned %d calls older than %d days", n, days)
		}
	}
	return store, nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func stopGateway(gw shutdowner, timeout time.Duration, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP gateway shutdown failed")
		return
	}
	log.Info("HTTP gateway stopped")
}
