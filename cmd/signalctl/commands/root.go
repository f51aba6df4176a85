// Package commands implements signalctl, a command-line client for the
// consultation signaling relay.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/teleconsult/signaling-relay/internal/sigclient"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

const defaultURL = "ws://127.0.0.1:8080/webrtc/signal"

type globalFlags struct {
	url     string
	apiKey  string
	token   string
	msgpack bool
	timeout time.Duration
	verbose bool

	// api overrides the WebRTC stack used by offer/answer.
	api *webrtc.API
}

// NewRootCmd builds the signalctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(api *webrtc.API) *cobra.Command {
	g := &globalFlags{api: api}
	root := &cobra.Command{
		Use:           "signalctl",
		Short:         "Command-line client for the consultation signaling relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.url, "url", defaultURL, "signaling WebSocket URL")
	pf.StringVar(&g.apiKey, "api-key", os.Getenv("API_KEY"), "API key for AUTH_MODE=api_key (env API_KEY)")
	pf.StringVar(&g.token, "token", "", "JWT for AUTH_MODE=jwt")
	pf.BoolVar(&g.msgpack, "msgpack", false, "use the msgpack subprotocol instead of JSON")
	pf.DurationVar(&g.timeout, "timeout", 10*time.Second, "timeout for connecting and for each acknowledgement")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log WebRTC internals to stderr")

	root.AddCommand(
		newJoinCmd(g),
		newEndCmd(g),
		newOfferCmd(g),
		newAnswerCmd(g),
		newTokenCmd(),
	)
	return root
}

// webrtcAPI returns the WebRTC stack for offer/answer. Pion's own logs go
// to stderr through slog, at debug level with --verbose.
func (g *globalFlags) webrtcAPI(stderr io.Writer) *webrtc.API {
	if g.api != nil {
		return g.api
	}
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	se := webrtc.SettingEngine{LoggerFactory: slogLoggerFactory{log: log}}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// connect dials the relay and authenticates when credentials were given.
func (g *globalFlags) connect(ctx context.Context) (*sigclient.Client, error) {
	opts := sigclient.Options{Subprotocol: sigproto.SubprotocolJSON}
	if g.msgpack {
		opts.Subprotocol = sigproto.SubprotocolMsgpack
	}
	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	c, err := sigclient.Dial(dialCtx, g.url, opts)
	if err != nil {
		return nil, err
	}
	if g.apiKey != "" || g.token != "" {
		if err := c.Authenticate(g.apiKey, g.token); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// join connects and joins, bounded by the global timeout.
func (g *globalFlags) join(ctx context.Context, roomID, participantID string) (*sigclient.Client, []string, error) {
	c, err := g.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	joinCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	members, err := c.Join(joinCtx, roomID, participantID)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, members, nil
}

// printMessage writes msg to w as one JSON line.
func printMessage(w io.Writer, msg sigproto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
