package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-talk/pkg/gateway/live/flow"
	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the connection. It
// drains the priority channel ahead of the flow-controlled reply queue and
// stamps each frame with the next outbound sequence number as it is written.
type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	priority   <-chan protocol.Frame
	queue      *flow.Controller
	isCanceled func(turn uint64) bool

	// onWrite observes every frame after it reached the wire.
	onWrite func(item flow.Item)

	seq uint32
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var ready <-chan struct{}
	if w.queue != nil {
		ready = w.queue.Ready()
	}

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: control and error frames go before queued audio.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(flow.Item{Frame: frame}, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(flow.Item{Frame: frame}, writeTimeout); err != nil {
				return err
			}
		case <-ready:
			if err := w.drainQueue(writeTimeout); err != nil {
				return err
			}
		}
	}
}

// drainQueue writes queued reply frames until the queue is empty, yielding
// to priority frames and shutdown between frames.
func (w *outboundWriter) drainQueue(writeTimeout time.Duration) error {
	for {
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(flow.Item{Frame: frame}, writeTimeout); err != nil {
				return err
			}
			continue
		case <-w.ctx.Done():
			return nil
		default:
		}
		item, ok := w.queue.TryPop()
		if !ok {
			return nil
		}
		if err := w.writeFrame(item, writeTimeout); err != nil {
			return err
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(flow.Item{Frame: frame}, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(item flow.Item, writeTimeout time.Duration) error {
	if item.Turn != 0 && w.isCanceled != nil && w.isCanceled(item.Turn) {
		return nil
	}

	w.seq++
	item.Frame.Seq = w.seq
	data, err := protocol.Encode(item.Frame)
	if err != nil {
		return err
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	if w.onWrite != nil {
		w.onWrite(item)
	}
	return nil
}
