package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ENGK3/modemmgr/sim"
)

const consoleHelp = `Commands:
  ring <number>   incoming call
  dtmf <digits>   send DTMF tones on the active call
  hangup          remote party hangs up
  urc <line>      emit an arbitrary unsolicited line
  status          show modem status and counters
  quit            exit`

// runConsole reads operator commands from r until EOF or quit.
func runConsole(r io.Reader, w io.Writer, m *sim.Modem) error {
	fmt.Fprintln(w, consoleHelp)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		quit, err := execConsole(w, m, sc.Text())
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return sc.Err()
}

func execConsole(w io.Writer, m *sim.Modem, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "":
	case "ring":
		if arg == "" {
			return false, fmt.Errorf("ring needs a number")
		}
		return false, m.RingSync(arg)
	case "dtmf":
		if arg == "" {
			return false, fmt.Errorf("dtmf needs digits")
		}
		for _, d := range arg {
			if err := m.DTMFSync(string(d)); err != nil {
				return false, err
			}
		}
	case "hangup":
		return false, m.RemoteHangupSync()
	case "urc":
		m.UnsolicitedSync(arg)
	case "status":
		printMetrics(w, m.MetricsSync())
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(w, consoleHelp)
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func printMetrics(w io.Writer, mt *sim.Metrics) {
	fmt.Fprintf(w, "Status: %s\n", mt.Status)
	fmt.Fprintf(w, "Calls: %d (in %d, out %d)\n", mt.NumCalls, mt.NumInCalls, mt.NumOutCalls)
	if len(mt.Dialed) > 0 {
		fmt.Fprintf(w, "Dialed: %s\n", strings.Join(mt.Dialed, ", "))
	}
	fmt.Fprintf(w, "TTY bytes: tx %d, rx %d\n", mt.TtyTxBytes, mt.TtyRxBytes)
}
