package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/teleconsult/signaling-relay/internal/sigclient"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

type role int

const (
	roleOfferer role = iota
	roleAnswerer
)

var errPeerGone = errors.New("remote participant left before negotiation finished")

type peerFlags struct {
	fetchICE      bool
	waitConnected bool
}

func newOfferCmd(g *globalFlags) *cobra.Command {
	return newPeerCmd(g, roleOfferer, "offer ROOM PARTICIPANT",
		"Join a room and negotiate a WebRTC session as the offerer",
		`Join a room, wait for another participant, send it an SDP offer built by a
real PeerConnection and apply the answer. ICE candidates are trickled in
both directions.`)
}

func newAnswerCmd(g *globalFlags) *cobra.Command {
	return newPeerCmd(g, roleAnswerer, "answer ROOM PARTICIPANT",
		"Join a room and answer the first SDP offer received",
		`Join a room, wait for an SDP offer and reply with an answer built by a real
PeerConnection. ICE candidates are trickled in both directions.`)
}

func newPeerCmd(g *globalFlags, r role, use, short, long string) *cobra.Command {
	pf := &peerFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			var iceServers []webrtc.ICEServer
			if pf.fetchICE {
				var err error
				if iceServers, err = fetchICEServers(ctx, g.url); err != nil {
					return err
				}
			}

			c, members, err := g.join(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			defer c.Close()

			p, err := newPeer(g.webrtcAPI(cmd.ErrOrStderr()), c, args[0], args[1], iceServers, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.close()
			return p.run(ctx, r, members, pf.waitConnected)
		},
	}
	cmd.Flags().BoolVar(&pf.fetchICE, "fetch-ice", true, "load ICE servers from the relay's /webrtc/ice endpoint")
	cmd.Flags().BoolVar(&pf.waitConnected, "wait-connected", true, "wait for the peer connection to connect, not just for SDP negotiation")
	return cmd
}

// peer drives one PeerConnection over the signaling relay.
type peer struct {
	client *sigclient.Client
	pc     *webrtc.PeerConnection
	roomID string
	self   string
	out    io.Writer

	states chan webrtc.PeerConnectionState

	// Local candidates are held back until our description has been sent.
	trickleMu    sync.Mutex
	trickleReady bool
	trickleQueue []webrtc.ICECandidateInit

	// Remote candidates are held back until the remote description is set.
	remoteQueue []webrtc.ICECandidateInit
	remoteSet   bool
	remote      string
}

func newPeer(api *webrtc.API, c *sigclient.Client, roomID, self string, iceServers []webrtc.ICEServer, out io.Writer) (*peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &peer{
		client: c,
		pc:     pc,
		roomID: roomID,
		self:   self,
		out:    out,
		states: make(chan webrtc.PeerConnectionState, 8),
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		p.trickle(cand.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case p.states <- s:
		default:
		}
	})
	return p, nil
}

func (p *peer) close() {
	_ = p.pc.Close()
}

func (p *peer) run(ctx context.Context, r role, members []string, waitConnected bool) error {
	msgs := make(chan sigproto.Message)
	recvErr := make(chan error, 1)
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			msg, err := p.client.Recv(recvCtx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-recvCtx.Done():
				return
			}
		}
	}()

	if r == roleOfferer && len(members) > 0 {
		if err := p.offer(members[0]); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case s := <-p.states:
			p.logf("connection state %s", s)
			switch s {
			case webrtc.PeerConnectionStateConnected:
				return nil
			case webrtc.PeerConnectionStateFailed:
				return errors.New("peer connection failed")
			}
		case msg := <-msgs:
			done, err := p.handle(r, msg)
			if err != nil {
				return err
			}
			if done && !waitConnected {
				return nil
			}
		}
	}
}

// handle applies one relayed message. It reports whether SDP negotiation has
// completed.
func (p *peer) handle(r role, msg sigproto.Message) (bool, error) {
	switch msg.Type {
	case sigproto.TypeParticipantJoined:
		if r == roleOfferer && p.remote == "" {
			return false, p.offer(msg.ParticipantID)
		}
	case sigproto.TypeParticipantLeft:
		if msg.ParticipantID != p.remote {
			return false, nil
		}
		// Once both descriptions are applied ICE no longer needs the relay.
		if p.remoteSet {
			p.logf("%s left the room", msg.ParticipantID)
			return false, nil
		}
		return false, errPeerGone
	case sigproto.TypeConsultationEnded:
		return false, errors.New("consultation ended by " + msg.SenderParticipantID)
	case sigproto.TypeError:
		p.logf("relay rejected %s: %s", msg.RequestType, msg.Code)
		return false, sigclient.AsError(msg)

	case sigproto.TypeOffer:
		if r != roleAnswerer || p.remote != "" {
			return false, nil
		}
		p.remote = msg.SenderParticipantID
		if err := p.setRemote(msg.Payload, webrtc.SDPTypeOffer); err != nil {
			return false, err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return false, fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return false, fmt.Errorf("set local description: %w", err)
		}
		if err := p.sendDescription(sigproto.TypeAnswer, answer); err != nil {
			return false, err
		}
		return true, nil
	case sigproto.TypeAnswer:
		if r != roleOfferer || msg.SenderParticipantID != p.remote || p.remoteSet {
			return false, nil
		}
		if err := p.setRemote(msg.Payload, webrtc.SDPTypeAnswer); err != nil {
			return false, err
		}
		return true, nil
	case sigproto.TypeICECandidate:
		if msg.SenderParticipantID != p.remote {
			return false, nil
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			return false, fmt.Errorf("decode ice candidate from %s: %w", msg.SenderParticipantID, err)
		}
		if !p.remoteSet {
			p.remoteQueue = append(p.remoteQueue, cand)
			return false, nil
		}
		if err := p.pc.AddICECandidate(cand); err != nil {
			return false, fmt.Errorf("add ice candidate: %w", err)
		}
	}
	return false, nil
}

func (p *peer) offer(remote string) error {
	p.remote = remote
	// An offer without media needs at least one m= section.
	if _, err := p.pc.CreateDataChannel("consult", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.logf("sending offer to %s", remote)
	return p.sendDescription(sigproto.TypeOffer, offer)
}

func (p *peer) setRemote(payload json.RawMessage, want webrtc.SDPType) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.remoteSet = true
	p.logf("applied %s from %s", want, p.remote)
	for _, cand := range p.remoteQueue {
		if err := p.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}
	p.remoteQueue = nil
	return nil
}

func (p *peer) sendDescription(typ sigproto.MessageType, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	if err := p.client.Send(sigproto.Message{Type: typ, RoomID: p.roomID, ParticipantID: p.self, Payload: payload}); err != nil {
		return err
	}

	p.trickleMu.Lock()
	defer p.trickleMu.Unlock()
	p.trickleReady = true
	for _, cand := range p.trickleQueue {
		p.sendCandidateLocked(cand)
	}
	p.trickleQueue = nil
	return nil
}

func (p *peer) trickle(cand webrtc.ICECandidateInit) {
	p.trickleMu.Lock()
	defer p.trickleMu.Unlock()
	if !p.trickleReady {
		p.trickleQueue = append(p.trickleQueue, cand)
		return
	}
	p.sendCandidateLocked(cand)
}

func (p *peer) sendCandidateLocked(cand webrtc.ICECandidateInit) {
	payload, err := json.Marshal(cand)
	if err != nil {
		return
	}
	_ = p.client.Send(sigproto.Message{Type: sigproto.TypeICECandidate, RoomID: p.roomID, ParticipantID: p.self, Payload: payload})
}

func (p *peer) logf(format string, args ...any) {
	fmt.Fprintf(p.out, "# "+format+"\n", args...)
}

// fetchICEServers reads /webrtc/ice from the relay serving signalURL.
func fetchICEServers(ctx context.Context, signalURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ICE servers: %s", resp.Status)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ICE servers: %w", err)
	}
	return body.ICEServers, nil
}
