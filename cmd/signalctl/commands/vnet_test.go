package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/teleconsult/signaling-relay/internal/signaling"
)

func newVNetAPI(n *vnet.Net) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// virtualPeers returns two WebRTC stacks joined by an in-process router, so
// ICE can connect without touching real interfaces.
func virtualPeers(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return newVNetAPI(netA), newVNetAPI(netB)
}

func executeWithAPI(ctx context.Context, api *webrtc.API, out io.Writer, args ...string) error {
	root := newRootCmd(api)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(io.Discard)
	return root.ExecuteContext(ctx)
}

func TestOfferAnswerConnectsOverVirtualNetwork(t *testing.T) {
	apiDoctor, apiPatient := virtualPeers(t)
	url := startRelay(t, signaling.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	answerOut := &syncBuffer{}
	answerErr := make(chan error, 1)
	go func() {
		answerErr <- executeWithAPI(ctx, apiPatient, answerOut, "--url", url, "answer", "--fetch-ice=false", "consult-3", "patient")
	}()

	offerOut := &syncBuffer{}
	if err := executeWithAPI(ctx, apiDoctor, offerOut, "--url", url, "offer", "--fetch-ice=false", "consult-3", "doctor"); err != nil {
		t.Fatalf("offer: %v\n%s", err, offerOut.String())
	}
	if err := <-answerErr; err != nil {
		t.Fatalf("answer: %v\n%s", err, answerOut.String())
	}
	for name, out := range map[string]*syncBuffer{"offer": offerOut, "answer": answerOut} {
		if !strings.Contains(out.String(), "connection state connected") {
			t.Fatalf("%s never connected:\n%s", name, out.String())
		}
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := slogLoggerFactory{log: log}.NewLogger("ice")

	l.Debugf("hidden %d", 1)
	l.Warnf("pair %s failed", "a<->b")
	l.Trace("hidden too")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("below-level records were written: %q", out)
	}
	if !strings.Contains(out, "pair a<->b failed") || !strings.Contains(out, "pion_scope=ice") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("output=%q", out)
	}
}
