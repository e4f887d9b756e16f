package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	highWaterMark  = 64 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 16 * 1024 // resume sending when bufferedAmount drops below this
	sendBufferSize = 64        // outgoing message channel capacity
)

// ErrChannelClosed is returned when sending on a closed data channel.
var ErrChannelClosed = errors.New("data channel closed")

// Channel is one input data channel. All writes go through a single writer
// goroutine that waits for the channel to open and pauses while pion's send
// buffer is above the high water mark.
type Channel struct {
	dc *webrtc.DataChannel

	inbox       chan []byte
	drainSignal chan struct{}
	openSignal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newChannel(dc *webrtc.DataChannel) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		dc:          dc,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	var openOnce sync.Once
	markOpen := func() { openOnce.Do(func() { close(c.openSignal) }) }
	dc.OnOpen(markOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}
	dc.OnClose(func() {
		util.LogDebug("data channel %q closed", dc.Label())
		cancel()
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	go c.loop()
	return c
}

// Label returns the channel label (protocol.LabelPointer or
// protocol.LabelKeystroke).
func (c *Channel) Label() string { return c.dc.Label() }

// Ready is closed once the channel is open.
func (c *Channel) Ready() <-chan struct{} { return c.openSignal }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Close stops the writer and closes the underlying channel.
func (c *Channel) Close() error {
	c.cancel()
	return c.dc.Close()
}

// Send enqueues a raw message. It blocks while the outgoing buffer is full.
func (c *Channel) Send(data []byte) error {
	select {
	case c.inbox <- data:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// SendPointer encodes and enqueues a pointer event.
func (c *Channel) SendPointer(ev protocol.PointerEvent) error {
	data, err := protocol.EncodePointer(ev)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// SendKey encodes and enqueues a key event.
func (c *Channel) SendKey(ev protocol.KeyEvent) error {
	data, err := protocol.EncodeKey(ev)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// OnMessage registers a callback for every inbound message.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// loop is the single-writer goroutine.
func (c *Channel) loop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case data := <-c.inbox:
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}
			if err := c.dc.Send(data); err != nil {
				util.LogError("failed to send on %q: %v", c.dc.Label(), err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
