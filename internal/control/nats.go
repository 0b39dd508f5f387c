package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Responder answers control commands sent as NATS requests.
type Responder struct {
	dispatcher *Dispatcher
	sub        *nats.Subscription
	ctx        context.Context
	timeout    time.Duration
	log        *slog.Logger
}

// ServeNATS subscribes the dispatcher to protocol.SubjectControl.
func ServeNATS(ctx context.Context, conn *nats.Conn, d *Dispatcher, timeout time.Duration) (*Responder, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Responder{
		dispatcher: d,
		ctx:        ctx,
		timeout:    timeout,
		log:        d.log.With(slog.String("transport", "nats")),
	}
	sub, err := conn.Subscribe(protocol.SubjectControl, r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectControl, err)
	}
	r.sub = sub
	return r, nil
}

func (r *Responder) handle(msg *nats.Msg) {
	var reply Reply
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		reply = Reply{Error: fmt.Sprintf("%v: %v", ErrBadCommand, err)}
	} else {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		reply = r.dispatcher.Dispatch(ctx, cmd)
		cancel()
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.log.Warn("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to respond", slog.String("error", err.Error()))
	}
}

func (r *Responder) Close() {
	if r == nil || r.sub == nil {
		return
	}
	_ = r.sub.Drain()
}
