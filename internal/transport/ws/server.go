package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	plog "blockstage.ai/internal/persistence/log"
	"blockstage.ai/internal/protocol"
	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
)

// AuditSink records every command a client sends.
type AuditSink interface {
	WriteAudit(e plog.AuditEntry) error
}

type Server struct {
	stage *stage.Stage
	tune  tuning.Tuning
	log   *zap.Logger
	audit AuditSink

	upgrader websocket.Upgrader

	conns      atomic.Int64
	cmdsTotal  atomic.Uint64
	cmdsReject atomic.Uint64
}

type Option func(*Server)

func WithAudit(a AuditSink) Option {
	return func(s *Server) { s.audit = a }
}

func NewServer(st *stage.Stage, tune tuning.Tuning, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stage: st,
		tune:  tune,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connections is the number of clients currently attached.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Commands reports total and rejected CMD counts.
func (s *Server) Commands() (total, rejected uint64) {
	return s.cmdsTotal.Load(), s.cmdsReject.Load()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connID, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)
		log := s.log.With(zap.String("conn_id", connID))
		log.Info("client attached", zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		queue := s.tune.MaxQueue
		if queue <= 0 {
			queue = 64
		}
		out := make(chan []byte, queue)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// STATE pusher.
		go s.pushState(ctx, out)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			ack, ok := s.handleMessage(log, connID, msg)
			if !ok {
				continue
			}
			b, err := json.Marshal(ack)
			if err != nil {
				log.Error("marshal ack", zap.Error(err))
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}
		cancel()
		log.Info("client detached")
	}
}

// handleMessage routes one inbound frame. Only CMD frames produce an ACK.
func (s *Server) handleMessage(log *zap.Logger, connID string, msg []byte) (protocol.AckMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		log.Warn("malformed frame", zap.Error(err))
		return protocol.AckMsg{}, false
	}
	if base.Type != protocol.TypeCmd {
		log.Debug("ignoring frame", zap.String("type", base.Type))
		return protocol.AckMsg{}, false
	}

	var cmd protocol.CmdMsg
	var ack protocol.AckMsg
	switch err := json.Unmarshal(msg, &cmd); {
	case err != nil:
		log.Warn("malformed CMD", zap.Error(err))
		ack = reject("", protocol.ErrBadRequest, "malformed CMD: "+err.Error())
	case cmd.ProtocolVersion != protocol.Version:
		ack = reject(cmd.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
	default:
		ack = s.Apply(cmd)
	}

	s.cmdsTotal.Add(1)
	if !ack.Accepted {
		s.cmdsReject.Add(1)
		log.Warn("command rejected", zap.String("op", cmd.Op), zap.String("cmd_id", cmd.ID), zap.String("code", ack.Code), zap.String("reason", ack.Message))
	}
	if s.audit != nil {
		entry := plog.AuditEntry{
			At:       time.Now().UTC(),
			ConnID:   connID,
			CmdID:    cmd.ID,
			Op:       cmd.Op,
			Raw:      json.RawMessage(append([]byte(nil), msg...)),
			Accepted: ack.Accepted,
			Code:     ack.Code,
		}
		if err := s.audit.WriteAudit(entry); err != nil {
			log.Warn("audit write", zap.Error(err))
		}
	}
	return ack, true
}

func (s *Server) pushState(ctx context.Context, out chan<- []byte) {
	ticker := time.NewTicker(s.tune.BroadcastInterval())
	defer ticker.Stop()

	var last uint64
	sent := false
	for {
		if v := s.stage.Version(); !sent || v != last {
			view := s.stage.View()
			b, err := json.Marshal(StateFromView(view))
			if err == nil {
				select {
				case out <- b:
					last, sent = view.Version, true
				default:
					// Client is slow; retry on the next tick.
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (connID string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", false
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	connID = "C" + ulid.Make().String()
	if err := writeJSON(conn, s.Welcome(connID)); err != nil {
		return "", false
	}
	s.log.Debug("handshake", zap.String("conn_id", connID), zap.String("client_name", hello.ClientName))
	return connID, true
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
