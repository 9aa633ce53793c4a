// Command modemctl talks to a running modemmgr over the control protocol.
//
//	modemctl place_call +19725551234 --wait
//	modemctl status
//	modemctl subscribe
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/ENGK3/modemmgr"
	"github.com/ENGK3/modemmgr/client"
)

type globalOptions struct {
	Host    string        `long:"host" default:"localhost" description:"Modem manager host"`
	Port    int           `long:"port" default:"5555" description:"Modem manager control port"`
	Timeout time.Duration `long:"timeout" default:"30s" description:"Request timeout"`
	Verbose bool          `short:"v" long:"verbose" description:"Log protocol traffic"`
}

var (
	opts   globalOptions
	stdout io.Writer = os.Stdout
	// errFailed marks a command answered with an error status.
	errFailed = errors.New("command failed")
)

func dial() (*client.Client, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	return client.Dial(addr, &client.Options{Timeout: opts.Timeout, Logger: log.WithField("name", "client")})
}

type placeCallCommand struct {
	NoAudioRouting bool          `short:"r" long:"no-audio-routing" description:"Do not start the audio bridge"`
	Wait           bool          `short:"w" long:"wait" description:"Wait for the call outcome"`
	WaitTimeout    time.Duration `long:"wait-timeout" default:"40s" description:"How long --wait waits"`
	Args           struct {
		Number string `positional-arg-name:"number" required:"yes"`
	} `positional-args:"yes"`
}

func (c *placeCallCommand) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	r, err := cl.PlaceCall(c.Args.Number, c.NoAudioRouting)
	if err != nil {
		return err
	}
	printReply(stdout, r)
	if c.Wait && r.Status == modemmgr.StatusPending {
		fmt.Fprintln(stdout, "Waiting for call outcome...")
		if r, err = cl.WaitResult(r.RequestID, c.WaitTimeout); err != nil {
			return err
		}
		printReply(stdout, r)
	}
	return replyErr(r)
}

type simpleCommand struct {
	command string
}

func (c *simpleCommand) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	r, err := cl.Do(c.command, modemmgr.Params{})
	if err != nil {
		return err
	}
	printReply(stdout, r)
	return replyErr(r)
}

type historyCommand struct {
	Limit  int    `short:"n" long:"limit" default:"20" description:"Number of calls to list"`
	Number string `long:"number" description:"Only list calls to or from this number"`
}

func (c *historyCommand) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	var calls []modemmgr.CallSummary
	if c.Number != "" {
		calls, err = cl.NumberHistory(c.Number, c.Limit)
	} else {
		calls, err = cl.History(c.Limit)
	}
	if err != nil {
		return err
	}
	printHistory(stdout, calls)
	return nil
}

type subscribeCommand struct{}

func (c *subscribeCommand) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Fprintln(stdout, "Subscribed to notifications, press Ctrl+C to exit")
	err = cl.Subscribe(ctx, func(n *modemmgr.Notification) {
		printNotification(stdout, n)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func replyErr(r *client.Reply) error {
	if r.Status == modemmgr.StatusError {
		return errFailed
	}
	return nil
}

func printReply(w io.Writer, r *client.Reply) {
	fmt.Fprintf(w, "Response: %s - %s\n", r.Status, r.Message)
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return
	}
	var v any
	if err := json.Unmarshal(r.Data, &v); err != nil {
		fmt.Fprintf(w, "Data: %s\n", r.Data)
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintf(w, "Data: %s\n", b)
}

func printNotification(w io.Writer, n *modemmgr.Notification) {
	ts := n.Timestamp.Local().Format("15:04:05")
	switch n.Type {
	case modemmgr.NotifyIncomingCall:
		audio := "unknown"
		if n.AudioRouting != nil {
			audio = strconv.FormatBool(*n.AudioRouting)
		}
		fmt.Fprintf(w, "[%s] Incoming call from %s (audio routing: %s)\n", ts, n.CallerNumber, audio)
	case modemmgr.NotifyCallEnded:
		fmt.Fprintf(w, "[%s] Call ended: %s\n", ts, n.Reason)
	case modemmgr.NotifyDTMF:
		fmt.Fprintf(w, "[%s] DTMF: %s\n", ts, n.Digit)
	default:
		fmt.Fprintf(w, "[%s] %s\n", ts, n.Type)
	}
}

func printHistory(w io.Writer, calls []modemmgr.CallSummary) {
	if len(calls) == 0 {
		fmt.Fprintln(w, "No calls recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIRECTION\tNUMBER\tOUTCOME\tDURATION\tREASON")
	for _, c := range calls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.StartedAt.Local().Format("2006-01-02 15:04:05"),
			c.Direction, c.Number, c.Outcome,
			c.Duration().Round(time.Second), c.Reason)
	}
	tw.Flush()
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("place_call", "Place an outgoing call", "Place an outgoing call to number.", &placeCallCommand{})
	parser.AddCommand("hangup", "Hang up the active call", "", &simpleCommand{command: modemmgr.CmdHangup})
	parser.AddCommand("status", "Show the modem status", "", &simpleCommand{command: modemmgr.CmdStatus})
	parser.AddCommand("shutdown", "Stop the modem manager", "", &simpleCommand{command: modemmgr.CmdShutdown})
	parser.AddCommand("subscribe", "Print call notifications", "", &subscribeCommand{})
	parser.AddCommand("history", "List recorded calls", "", &historyCommand{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
