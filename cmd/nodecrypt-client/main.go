package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/nodecrypt/relay-go/chatclient"
	"github.com/nodecrypt/relay-go/internal/channelid"
	"github.com/nodecrypt/relay-go/internal/cmdutil"
	"github.com/nodecrypt/relay-go/internal/defaults"
	ncversion "github.com/nodecrypt/relay-go/internal/version"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	wsURL := cmdutil.EnvString("NODECRYPT_CLIENT_WS_URL", "")
	userName := cmdutil.EnvString("NODECRYPT_CLIENT_USER", "")
	channel := cmdutil.EnvString("NODECRYPT_CLIENT_CHANNEL", "")
	roomPassword := cmdutil.EnvString("NODECRYPT_CLIENT_ROOM_PASSWORD", "")

	fs := flag.NewFlagSet("nodecrypt-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&wsURL, "ws-url", wsURL, "relay websocket url (required; e.g. ws://127.0.0.1:8080/ws) (env: NODECRYPT_CLIENT_WS_URL)")
	fs.StringVar(&userName, "user", userName, "display name announced to the channel (required) (env: NODECRYPT_CLIENT_USER)")
	fs.StringVar(&channel, "channel", channel, "channel to join (required) (env: NODECRYPT_CLIENT_CHANNEL)")
	fs.StringVar(&roomPassword, "room-password", roomPassword, "shared room password mixed into every peer key (required) (env: NODECRYPT_CLIENT_ROOM_PASSWORD)")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  nodecrypt-client --ws-url <ws://...> --user <name> --channel <name> --room-password <pw>")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Input:")
		fmt.Fprintln(out, "  a line of stdin broadcasts to every established peer")
		fmt.Fprintln(out, "  '/msg <client_id> <text>' sends a private message to one peer")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Exit codes:")
		fmt.Fprintln(out, "  0: clean shutdown (EOF on stdin, or interrupt)")
		fmt.Fprintln(out, "  2: usage error (bad flags/missing required)")
		fmt.Fprintln(out, "  1: runtime error")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, ncversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	wsURL = strings.TrimSpace(wsURL)
	userName = strings.TrimSpace(userName)
	channel = channelid.Normalize(channel)
	if wsURL == "" {
		return usageErr("missing --ws-url")
	}
	if userName == "" {
		return usageErr("missing --user")
	}
	if err := channelid.Validate(channel); err != nil {
		return usageErr("invalid --channel: " + err.Error())
	}
	if roomPassword == "" {
		return usageErr("missing --room-password")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ConnectTimeout)
	c, err := chatclient.Dial(ctx, wsURL, chatclient.DialOptions{
		UserName:     userName,
		Channel:      channel,
		RoomPassword: roomPassword,
	})
	cancel()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()

	fmt.Fprintf(stdout, "joined %q as %s (client_id=%s)\n", channel, userName, c.ClientID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	go printEvents(stdout, c, done)

	lines := make(chan string)
	go scanLines(stdin, lines)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			dispatchLine(c, stderr, line)
		case <-sig:
			return 0
		case <-done:
			return 0
		}
	}
}

func dispatchLine(c *chatclient.ChatClient, stderr io.Writer, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if line == "/msg" {
		fmt.Fprintln(stderr, "usage: /msg <client_id> <text>")
		return
	}
	if rest, ok := strings.CutPrefix(line, "/msg "); ok {
		targetID, text, found := strings.Cut(rest, " ")
		if !found || targetID == "" {
			fmt.Fprintln(stderr, "usage: /msg <client_id> <text>")
			return
		}
		if err := c.SendPrivate(targetID, text); err != nil {
			fmt.Fprintln(stderr, err)
		}
		return
	}
	if err := c.SendBroadcast(line); err != nil {
		fmt.Fprintln(stderr, err)
	}
}

func printEvents(stdout io.Writer, c *chatclient.ChatClient, done chan<- struct{}) {
	defer close(done)
	for ev := range c.Events() {
		switch ev.Kind {
		case chatclient.EventPeerJoined:
			fmt.Fprintf(stdout, "* %s joined (client_id=%s)\n", ev.UserName, ev.PeerID)
		case chatclient.EventPeerLeft:
			fmt.Fprintf(stdout, "* peer left (client_id=%s)\n", ev.PeerID)
		case chatclient.EventBroadcastMessage:
			fmt.Fprintf(stdout, "%s: %s\n", ev.UserName, ev.Text)
		case chatclient.EventPrivateMessage:
			fmt.Fprintf(stdout, "%s (private): %s\n", ev.UserName, ev.Text)
		case chatclient.EventClosed:
			fmt.Fprintf(stdout, "* connection closed: %v\n", ev.Err)
		}
	}
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
