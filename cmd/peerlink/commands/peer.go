package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/session"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	readyTimeout = 30 * time.Second
	waitOption   = "Wait for an incoming call"
)

func newPeerCmd() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Connect to a relay and negotiate a call with another client",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err = loadConfig(cmd, config.RolePeer, map[string]string{
				"url":          "peer.url",
				"dialect":      "peer.dialect",
				"call":         "peer.call",
				"stun":         "peer.stun_servers",
				"timeout":      "peer.negotiation_timeout",
				"max-restarts": "peer.max_restarts",
				"max-attempts": "peer.reconnect.max_attempts",
			})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd.Context(), cfg.Peer)
		},
	}

	d := config.Default().Peer
	cmd.Flags().StringP("url", "u", "", "Relay URL, e.g. wss://relay.example.com/ws?pin=1234")
	cmd.Flags().String("dialect", d.Dialect, "Message dialect spoken to the relay: standard or alternate")
	cmd.Flags().StringP("call", "c", "", "Id of the client to call right away (skips the prompt)")
	cmd.Flags().StringSlice("stun", d.STUNServers, "STUN server URLs")
	cmd.Flags().Duration("timeout", d.NegotiationTimeout, "Bound on one offer/answer round trip")
	cmd.Flags().Int("max-restarts", d.MaxRestarts, "ICE restarts before a call is reported failed")
	cmd.Flags().Int("max-attempts", d.Reconnect.MaxAttempts, "Relay reconnect attempts before giving up, 0 retries forever")
	return cmd
}

// runPeer connects to the relay and stays until ctx is cancelled or the
// relay link gives up. Calls are ended with CallEnd before leaving.
func runPeer(ctx context.Context, c config.PeerConfig) error {
	url, err := config.NormalizeWSURL(c.URL)
	if err != nil {
		return err
	}
	dialect, _ := signaling.ParseDialect(c.Dialect)

	client := signaling.NewClient(signaling.ClientOptions{
		URL:     url,
		Dialect: dialect,
		Backoff: signaling.BackoffPolicy{
			InitialInterval: c.Reconnect.InitialInterval,
			MaxInterval:     c.Reconnect.MaxInterval,
			MaxAttempts:     c.Reconnect.MaxAttempts,
		},
	})

	// One API (and SettingEngine) for every call; only the per-call logging
	// differs between factories.
	api := transport.NewAPI(transportOptions(c, ""))

	lists := make(chan []signaling.Peer, 1)
	ctrl := session.New(session.Options{
		Signaler: client,
		NewConn: func(target string) negotiation.ConnFactory {
			return transport.NewFactoryWithAPI(api, transportOptions(c, target))
		},
		Timeout:     c.NegotiationTimeout,
		MaxRestarts: c.MaxRestarts,
		OnPeerListChanged: func(peers []signaling.Peer) {
			// Keep only the latest list.
			select {
			case <-lists:
			default:
			}
			lists <- peers
		},
		OnConnectionStateChanged: logConnectionState,
	})
	client.OnMessage(ctrl.HandleMessage)

	// The link outlives ctx so that CallEnd can still be sent on the way out.
	linkCtx, closeLink := context.WithCancel(context.Background())
	defer func() {
		closeLink()
		<-client.Done()
	}()
	client.Start(linkCtx)

	if err := waitReady(ctx, ctrl, client); err != nil {
		return err
	}
	util.LogSuccess("connected to relay as %s", ctrl.ID())

	target := c.Call
	if target == "" {
		target = pickPeer(ctx, lists)
	}
	if target != "" {
		if err := ctrl.StartCall(target); err != nil {
			return fmt.Errorf("failed to call %s: %w", target, err)
		}
	} else {
		util.LogInfo("waiting for an incoming call, press Ctrl+C to leave")
	}

	select {
	case <-ctx.Done():
		ctrl.EndCall()
		util.LogInfo("left the relay")
		return nil
	case <-client.Done():
		ctrl.EndCall()
		if err := client.Err(); errors.Is(err, signaling.ErrGaveUp) {
			return err
		}
		return nil
	}
}

// waitReady waits for the relay handshake, failing early when the link
// gives up.
func waitReady(ctx context.Context, ctrl *session.Controller, client *signaling.Client) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := ctrl.WaitReady(ctx); err != nil {
		if linkErr := client.Err(); linkErr != nil {
			return fmt.Errorf("failed to reach relay: %w", linkErr)
		}
		return fmt.Errorf("relay handshake did not complete: %w", err)
	}
	return nil
}

// pickPeer prompts for a call target among the listed peers. It returns ""
// when the user chooses to wait or ctx ends first.
func pickPeer(ctx context.Context, lists <-chan []signaling.Peer) string {
	var peers []signaling.Peer
	for len(peers) == 0 {
		util.LogInfo("waiting for other clients to join...")
		select {
		case peers = <-lists:
		case <-ctx.Done():
			return ""
		}
	}

	options := make([]string, 0, len(peers)+1)
	byOption := make(map[string]string, len(peers))
	for _, p := range peers {
		joined := time.UnixMilli(p.JoinedAt).Format(time.TimeOnly)
		option := fmt.Sprintf("%s (joined %s)", p.ID, joined)
		options = append(options, option)
		byOption[option] = p.ID
	}
	options = append(options, waitOption)

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a client to call").
		Show()
	pterm.Println()

	return byOption[choice]
}

// transportOptions configures the peer connections of one call. Received
// input events are logged.
func transportOptions(c config.PeerConfig, target string) transport.Options {
	log := util.NewLogger("call").With(target)

	return transport.Options{
		STUNServers: c.STUNServers,
		OnChannel: func(ch *transport.Channel) {
			label := ch.Label()
			ch.OnMessage(func(data []byte) {
				switch label {
				case protocol.LabelPointer:
					ev, err := protocol.DecodePointer(data)
					if err != nil {
						log.Warnf("dropping pointer event: %v", err)
						return
					}
					log.Debugf("pointer %s at (%.3f, %.3f) buttons=%d", ev.Kind, ev.X, ev.Y, ev.Buttons)
				case protocol.LabelKeystroke:
					ev, err := protocol.DecodeKey(data)
					if err != nil {
						log.Warnf("dropping key event: %v", err)
						return
					}
					log.Debugf("key %q (%s) down=%t", ev.Key, ev.Code, ev.Down)
				default:
					log.Debugf("%d bytes on unknown channel %q", len(data), label)
				}
			})
			go func() {
				select {
				case <-ch.Ready():
					log.Infof("data channel %q open", label)
				case <-ch.Done():
				}
			}()
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			log.Infof("receiving %s track (%s)", track.Kind(), track.Codec().MimeType)
		},
	}
}

func logConnectionState(target string, s negotiation.ConnectionState) {
	switch s {
	case negotiation.ConnectionConnected:
		util.LogSuccess("call with %s is %s", target, s)
	case negotiation.ConnectionFailed:
		util.LogWarning("call with %s %s", target, s)
	default:
		util.LogInfo("call with %s: %s", target, s)
	}
}
