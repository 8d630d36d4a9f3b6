package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// WebRTCConfig configures data-channel connections.
type WebRTCConfig struct {
	ICEServers     []string
	ConnectTimeout time.Duration
	ChannelLabel   string
}

func (c WebRTCConfig) withDefaults() WebRTCConfig {
	if len(c.ICEServers) == 0 {
		c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ChannelLabel == "" {
		c.ChannelLabel = "neonet"
	}
	return c
}

// webrtcSignal is the opaque blob relayed between the two sides.
type webrtcSignal struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type webrtcConn struct {
	*lifecycle
	cfg WebRTCConfig
	pc  *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	timer     *time.Timer
}

// WebRTCFactory returns a Factory that creates ordered data-channel
// connections with trickle ICE.
func WebRTCFactory(logger *slog.Logger, cfg WebRTCConfig) Factory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "peer_webrtc")

	return func(peerID string, initiator bool, h Handlers) (Conn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		c := &webrtcConn{
			lifecycle: newLifecycle(logger, peerID, initiator, h),
			cfg:       cfg,
			pc:        pc,
		}

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if cand == nil {
				return
			}
			init := cand.ToJSON()
			c.emitSignal(webrtcSignal{Candidate: &init})
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			switch s {
			case webrtc.PeerConnectionStateFailed:
				c.fail(fmt.Errorf("ice failed"))
				c.release()
			case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
				c.close()
				c.release()
			}
		})

		if initiator {
			ordered := true
			dc, err := pc.CreateDataChannel(cfg.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("create data channel: %w", err)
			}
			c.bind(dc)
		} else {
			pc.OnDataChannel(c.bind)
		}
		return c, nil
	}
}

func (c *webrtcConn) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.stopTimer()
		c.connected()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.close()
		c.release()
	})
	dc.OnError(func(err error) {
		c.fail(err)
		c.release()
	})
}

func (c *webrtcConn) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		if !c.connectedNow() {
			c.fail(ErrConnectTimeout)
			c.release()
		}
	})
}

func (c *webrtcConn) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *webrtcConn) Initiate() error {
	if !c.initiator {
		return ErrNotInitiator
	}
	c.armTimer()
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.fail(err)
		return err
	}
	c.emitSignal(webrtcSignal{SDP: &offer})
	return nil
}

func (c *webrtcConn) Signal(data json.RawMessage) error {
	var sig webrtcSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	if c.State().Terminal() {
		return ErrNotConnected
	}
	c.signaling()
	c.armTimer()

	switch {
	case sig.SDP != nil:
		return c.applyDescription(*sig.SDP)
	case sig.Candidate != nil:
		c.mu.Lock()
		if !c.remoteSet {
			c.queued = append(c.queued, *sig.Candidate)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(*sig.Candidate)
	default:
		return fmt.Errorf("%w: empty signal", ErrBadSignal)
	}
}

func (c *webrtcConn) applyDescription(sdp webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn("add queued ice candidate", "error", err)
		}
	}

	if sdp.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.fail(err)
		return err
	}
	c.emitSignal(webrtcSignal{SDP: &answer})
	return nil
}

func (c *webrtcConn) Send(data []byte) error {
	if err := c.checkSend(); err != nil {
		return err
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrNotConnected
	}
	return dc.Send(data)
}

func (c *webrtcConn) Destroy() {
	c.close()
	c.release()
}

func (c *webrtcConn) release() {
	c.stopTimer()
	go func() {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("close peer connection", "error", err)
		}
	}()
}
