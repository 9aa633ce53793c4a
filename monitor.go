package modemmgr

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/warthog618/sms/encoding/ucs2"
)

// Monitor reads unsolicited modem output until ctx is done or the Manager is
// shut down, feeding ring, caller ID, DTMF and call termination events into
// the state machine. It configures the modem for incoming calls first.
//
// A device read error ends the loop and is returned; the modem can no longer
// be trusted and the process is expected to restart.
func (m *Manager) Monitor(ctx context.Context) error {
	log := m.log.WithField("name", "monitor")
	log.Info("Starting serial port monitor")
	m.configure(m.incomingSetup)
	log.Info("Modem configured for incoming calls")
	defer log.Info("Serial port monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		default:
		}

		if m.State() == StatePlacingCall {
			select {
			case <-ctx.Done():
			case <-m.done:
			case <-time.After(m.monitorYield):
			}
			continue
		}

		line, err := m.at.ReadLine(m.monitorTimeout)
		if err != nil {
			log.WithError(err).Error("Serial port error")
			return fmt.Errorf("serial monitor: %w", err)
		}
		if line == "" {
			continue
		}
		log.Infof("Serial: %s", line)
		m.handleUnsolicited(line)
	}
}

func (m *Manager) handleUnsolicited(line string) {
	switch {
	case line == "RING":
		m.log.Info("Incoming call detected (RING)")
	case strings.HasPrefix(line, "+CLIP:"):
		caller, err := m.parseCallerID(line)
		if err != nil {
			m.log.WithError(err).Warnf("Unreadable caller ID: %s", line)
			return
		}
		if caller == "" {
			m.log.Warn("Caller ID without number, ignoring")
			return
		}
		m.log.Infof("Caller ID: %s", caller)
		m.HandleIncomingCall(caller)
	case strings.HasPrefix(line, "#DTMFEV:"):
		if digit := parseDTMF(line); digit != "" {
			m.HandleDTMF(digit)
		}
	default:
		if reason := terminationReason(line); reason != "" {
			if m.HandleCallEnded(reason) {
				m.log.Infof("Call ended: %s", reason)
			}
		}
	}
}

// parseCallerID extracts the number from a line such as
// +CLIP: "+1234567890",145,"",0,"",0
func (m *Manager) parseCallerID(line string) (string, error) {
	field := strings.TrimPrefix(line, "+CLIP:")
	if i := strings.IndexByte(field, ','); i >= 0 {
		field = field[:i]
	}
	number := strings.Trim(strings.TrimSpace(field), `"`)
	if m.ucs2CallerID && isLikelyHexUCS2(number) {
		return decodeUCS2(number)
	}
	return number, nil
}

// parseDTMF extracts the digit from a line such as #DTMFEV: 5,1
func parseDTMF(line string) string {
	field := strings.TrimPrefix(line, "#DTMFEV:")
	if i := strings.IndexByte(field, ','); i >= 0 {
		field = field[:i]
	}
	return strings.TrimSpace(field)
}

// terminationReason maps a call termination line to its reason, "" for other lines.
func terminationReason(line string) string {
	switch {
	case strings.Contains(line, "+CIEV: call,0"):
		return ReasonCallStateDown
	case strings.Contains(line, "NO CARRIER"):
		return ReasonNoCarrier
	case strings.Contains(line, "BUSY"):
		return ReasonBusy
	case strings.Contains(line, "NO ANSWER"):
		return ReasonNoAnswer
	}
	return ""
}

func isLikelyHexUCS2(s string) bool {
	if len(s) < 4 || len(s)%4 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func decodeUCS2(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	runes, err := ucs2.Decode(b)
	if err != nil {
		return "", err
	}
	return string(runes), nil
}
