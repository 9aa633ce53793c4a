// Package audio routes call audio between the Telit modem USB audio
// interface and the on-board sound card with PulseAudio loopback modules.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ENGK3/modemmgr"
)

// ErrNoModemAudio is returned when PulseAudio lists no modem audio source.
var ErrNoModemAudio = errors.New("no LE910C1-NF or LE910C4-NF audio interfaces found")

var modemSourceRe = regexp.MustCompile(`output\.usb-(Android_LE910C[14]-NF_\w+)-(\d{2})\.`)

// Runner runs an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, inheriting the process environment.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(ee.Stderr))
	}
	return out, err
}

// Config configures a Pulse bridge.
type Config struct {
	// Pactl is the pactl binary (default: "pactl")
	Pactl string
	// CardSource is the local capture device (default: alsa_input.platform-sound.stereo-fallback)
	CardSource string
	// CardSink is the local playback device (default: alsa_output.platform-sound.stereo-fallback)
	CardSink string
	// Rate is the sample rate of the modem to card loopback (default: 48000)
	Rate int
	// LatencyMsec is the loopback latency (default: 80)
	LatencyMsec int
	// Timeout bounds each pactl invocation (default: 5s)
	Timeout time.Duration
	// Run executes pactl (default: ExecRunner)
	Run Runner
	// Logger is the log entry used by the bridge
	Logger *logrus.Entry
}

// Device is a modem audio interface reported by PulseAudio.
type Device struct {
	Name      string
	Interface string
}

func (d Device) String() string {
	return d.Name + "-" + d.Interface
}

// Pulse implements modemmgr.AudioBridge with two module-loopback
// instances, one per direction.
type Pulse struct {
	pactl       string
	cardSource  string
	cardSink    string
	rate        int
	latencyMsec int
	timeout     time.Duration
	run         Runner
	log         *logrus.Entry
}

var _ modemmgr.AudioBridge = (*Pulse)(nil)

// NewPulse returns a bridge with cfg defaults applied. cfg may be nil.
func NewPulse(cfg *Config) *Pulse {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Pulse{
		pactl:       cfg.Pactl,
		cardSource:  cfg.CardSource,
		cardSink:    cfg.CardSink,
		rate:        cfg.Rate,
		latencyMsec: cfg.LatencyMsec,
		timeout:     cfg.Timeout,
		run:         cfg.Run,
		log:         cfg.Logger,
	}
	if p.pactl == "" {
		p.pactl = "pactl"
	}
	if p.cardSource == "" {
		p.cardSource = "alsa_input.platform-sound.stereo-fallback"
	}
	if p.cardSink == "" {
		p.cardSink = "alsa_output.platform-sound.stereo-fallback"
	}
	if p.rate == 0 {
		p.rate = 48000
	}
	if p.latencyMsec == 0 {
		p.latencyMsec = 80
	}
	if p.timeout == 0 {
		p.timeout = 5 * time.Second
	}
	if p.run == nil {
		p.run = ExecRunner
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

func (p *Pulse) pactlCmd(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.run(ctx, p.pactl, args...)
}

// Devices lists the modem audio interfaces known to PulseAudio.
func (p *Pulse) Devices() ([]Device, error) {
	out, err := p.pactlCmd("list", "sources", "short")
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	var devs []Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		if m := modemSourceRe.FindStringSubmatch(fields[1]); m != nil {
			devs = append(devs, Device{Name: m[1], Interface: m[2]})
		}
	}
	return devs, sc.Err()
}

func (p *Pulse) loadLoopback(args ...string) (string, error) {
	out, err := p.pactlCmd(append([]string{"load-module", "module-loopback"}, args...)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", errors.New("pactl returned no module id")
	}
	return id, nil
}

// Start loads the modem to card and card to modem loopbacks on the first
// modem audio interface found.
func (p *Pulse) Start() (modemmgr.AudioHandles, error) {
	devs, err := p.Devices()
	if err != nil {
		return modemmgr.AudioHandles{}, err
	}
	if len(devs) == 0 {
		return modemmgr.AudioHandles{}, ErrNoModemAudio
	}
	dev := devs[0]
	p.log.Infof("Using modem device: %s interface %s", dev.Name, dev.Interface)

	latency := fmt.Sprintf("latency_msec=%d", p.latencyMsec)
	toCard, err := p.loadLoopback(
		"source=alsa_input.usb-"+dev.String()+".mono-fallback",
		"sink="+p.cardSink,
		fmt.Sprintf("rate=%d", p.rate),
		latency,
	)
	if err != nil {
		return modemmgr.AudioHandles{}, fmt.Errorf("modem to card loopback: %w", err)
	}
	p.log.Infof("Loopback loaded - modem to card: %s", toCard)

	toModem, err := p.loadLoopback(
		"source="+p.cardSource,
		"sink=alsa_output.usb-"+dev.String()+".mono-fallback",
		latency,
	)
	if err != nil {
		p.unload(toCard)
		return modemmgr.AudioHandles{}, fmt.Errorf("card to modem loopback: %w", err)
	}
	p.log.Infof("Loopback loaded - card to modem: %s", toModem)
	return modemmgr.AudioHandles{A: toCard, B: toModem}, nil
}

// Stop unloads both loopbacks. Modules that are already gone are skipped.
func (p *Pulse) Stop(h modemmgr.AudioHandles) error {
	return errors.Join(p.unload(h.A), p.unload(h.B))
}

func (p *Pulse) unload(id string) error {
	if id == "" {
		return nil
	}
	out, err := p.pactlCmd("list", "modules", "short")
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}
	if !hasLoopback(out, id) {
		p.log.Infof("Loopback module %s not found or already unloaded", id)
		return nil
	}
	if _, err := p.pactlCmd("unload-module", id); err != nil {
		return fmt.Errorf("unload module %s: %w", id, err)
	}
	p.log.Infof("Unloaded loopback module %s", id)
	return nil
}

func hasLoopback(modules []byte, id string) bool {
	prefix := id + "\tmodule-loopback"
	sc := bufio.NewScanner(bytes.NewReader(modules))
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), prefix) {
			return true
		}
	}
	return false
}
