package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const signalCommand = "/signal "

type chatOptions struct {
	url    string
	token  string
	origin string
}

func newChatCmd() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		Long: `Connect to a chat endpoint, print every received frame and send stdin lines.

A plain line is sent as a chat message. A line of the form "/signal <json object>"
is sent as a webrtc signal. "/quit" or end of input closes the session.

Examples:
  relayctl chat --url ws://127.0.0.1:8080/ws/chat/9/ --token "$(relayctl token --user 5)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := chatURL(opts.url, opts.token)
			if err != nil {
				return err
			}
			return runChat(target, opts.origin, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "chat endpoint, e.g. ws://host/ws/chat/<counterpart>/")
	cmd.Flags().StringVar(&opts.token, "token", "", "access token (sent as the token query parameter)")
	cmd.Flags().StringVar(&opts.origin, "origin", "", "Origin header to send")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func chatURL(raw, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("--url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("--url: unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// encodeInput turns one stdin line into an outbound frame. ok is false for
// blank lines.
func encodeInput(line string) (frame []byte, ok bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, false, nil
	}
	if strings.HasPrefix(line, signalCommand) {
		raw := json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, signalCommand)))
		// Only the top-level shape is checked; the payload goes out as typed.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			return nil, false, errors.New("signal must be a JSON object")
		}
		frame, err = json.Marshal(map[string]any{"type": "webrtc", "signal": raw})
		return frame, err == nil, err
	}
	frame, err = json.Marshal(map[string]any{"type": "chat", "message": line})
	return frame, err == nil, err
}

func runChat(target, origin string, in io.Reader, out io.Writer) error {
	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(target, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			fmt.Fprintf(out, "< %s\n", data)
		}
	}()

	lines := make(chan string)
	go readLines(in, lines, done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case err := <-readErr:
			return describeClose(out, err)
		case <-interrupt:
			return closeAndWait(conn, readErr, out)
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return closeAndWait(conn, readErr, out)
			}
			frame, send, err := encodeInput(line)
			if err != nil {
				fmt.Fprintln(out, "!", err)
				continue
			}
			if !send {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// readLines sends each line of in to lines until in ends or done closes.
func readLines(in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
}

func closeAndWait(conn *websocket.Conn, readErr <-chan error, out io.Writer) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	select {
	case err := <-readErr:
		return describeClose(out, err)
	case <-time.After(2 * time.Second):
		return nil
	}
}

func describeClose(out io.Writer, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		fmt.Fprintf(out, "closed: %d %s\n", ce.Code, ce.Text)
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return nil
		}
		return fmt.Errorf("connection closed with %d %s", ce.Code, ce.Text)
	}
	return err
}
