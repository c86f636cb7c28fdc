package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/errs"
)

// WebSocket is the WebSocket transport variant (C3). Each device dials a
// single full-duplex connection at /ws/{device_id}; control and
// framed_packet/json_b64 audio share the connection, disambiguated by
// WebSocket message type (text = control JSON, binary = audio frame).
type WebSocket struct {
	cfg    Config
	magic  byte
	server *http.Server

	mu      sync.Mutex
	conns   map[string]*wsConn
	events  chan event
	closed  chan struct{}
}

type wsConn struct {
	deviceID string
	conn     *websocket.Conn
	outCh    chan envelope.Envelope
	writeMu  sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocket builds a WebSocket adapter listening on addr. magic selects
// the expected framed-audio magic byte (0 to skip the check).
func NewWebSocket(addr string, magic byte, cfg Config) *WebSocket {
	cfg = cfg.withDefaults()
	w := &WebSocket{
		cfg:    cfg,
		magic:  magic,
		conns:  make(map[string]*wsConn),
		events: make(chan event, cfg.OutputQueueSize),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", w.handleUpgrade)
	w.server = &http.Server{Addr: addr, Handler: mux}
	return w
}

var _ Adapter = (*WebSocket)(nil)
var _ Online = (*WebSocket)(nil)

func (w *WebSocket) Start(ctx context.Context) error {
	ln, err := newListener(w.server.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", w.server.Addr, err)
	}
	go func() {
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.cfg.Logger.Warn("websocket server stopped", "err", err)
		}
	}()
	return nil
}

func (w *WebSocket) Stop(ctx context.Context) error {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
	return w.server.Shutdown(ctx)
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Path[len("/ws/"):]
	if deviceID == "" {
		http.Error(rw, "missing device id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.cfg.Logger.Warn("websocket upgrade failed", "err", err, "device_id", deviceID)
		return
	}
	wc := &wsConn{deviceID: deviceID, conn: conn, outCh: make(chan envelope.Envelope, w.cfg.OutputQueueSize)}
	w.mu.Lock()
	w.conns[deviceID] = wc
	w.mu.Unlock()

	go w.writeLoop(wc)
	w.readLoop(wc)
}

func (w *WebSocket) writeLoop(wc *wsConn) {
	for {
		select {
		case env := <-wc.outCh:
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			wc.writeMu.Lock()
			err = wc.conn.WriteMessage(websocket.TextMessage, b)
			wc.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-w.closed:
			return
		}
	}
}

func (w *WebSocket) readLoop(wc *wsConn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns, wc.deviceID)
		w.mu.Unlock()
		_ = wc.conn.Close()
	}()
	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var env envelope.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				w.emitErrorEnvelope(wc.deviceID, errs.ErrInvalidControlPayload, err)
				continue
			}
			if env.DeviceID == "" {
				env.DeviceID = wc.deviceID
			}
			w.emit(event{env: env})
		case websocket.BinaryMessage:
			f, err := envelope.DecodeFrame(data, w.magic)
			if err != nil {
				w.emitErrorEnvelope(wc.deviceID, errs.ErrInvalidAudioFrame, err)
				continue
			}
			env, err := envelope.New(wc.deviceID, "", envelope.TypeAudioChunk, envelope.AudioChunkPayload{
				AudioB64: b64(f.Payload),
			})
			if err != nil {
				continue
			}
			env.Seq = uint64(f.Seq)
			w.emit(event{env: env})
		}
	}
}

func (w *WebSocket) emitErrorEnvelope(deviceID string, taxonomy, cause error) {
	env, _ := envelope.New(deviceID, "", envelope.TypeError, envelope.ErrorPayload{
		Code:    taxonomy.Error(),
		Message: cause.Error(),
	})
	w.emit(event{env: env, err: fmt.Errorf("%w: %v", taxonomy, cause)})
}

func (w *WebSocket) emit(e event) {
	select {
	case w.events <- e:
	case <-w.closed:
	}
}

func (w *WebSocket) IncomingEvents() iter.Seq2[envelope.Envelope, error] {
	return func(yield func(envelope.Envelope, error) bool) {
		for {
			select {
			case e := <-w.events:
				if !yield(e.env, e.err) {
					return
				}
			case <-w.closed:
				return
			}
		}
	}
}

func (w *WebSocket) SendCommand(ctx context.Context, env envelope.Envelope) error {
	w.mu.Lock()
	wc, ok := w.conns[env.DeviceID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %s not connected", errs.ErrTransport, env.DeviceID)
	}
	select {
	case wc.outCh <- env:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

func (w *WebSocket) Ack(ctx context.Context, deviceID string, seq uint64) error { return nil }

func (w *WebSocket) CloseSession(ctx context.Context, deviceID, reason string) error {
	env, _ := envelope.New(deviceID, "", envelope.TypeClose, envelope.ClosePayload{Reason: reason})
	if err := w.SendCommand(ctx, env); err != nil {
		return err
	}
	w.mu.Lock()
	wc, ok := w.conns[deviceID]
	w.mu.Unlock()
	if ok {
		_ = wc.conn.Close()
	}
	return nil
}

func (w *WebSocket) IsOnline(deviceID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.conns[deviceID]
	return ok
}
