package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

// Message headers. HeaderMsgID lets a JetStream stream that captures these
// subjects drop duplicates of the same session transition or segment.
const (
	HeaderSession = "S2T-Session"
	HeaderMsgID   = nats.MsgIdHdr
)

// Client publishes this host's session, segment and gc events and
// delivers remote stop commands.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("sound2transcript"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected, buffering events", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, logger: logger}, nil
}

// PublishSession announces a session state change on the subject for its
// state.
func (c *Client) PublishSession(ev SessionEvent) error {
	msg, err := SessionMsg(ev)
	if err != nil {
		return err
	}
	return c.conn.PublishMsg(msg)
}

// PublishSegment announces a durably written segment.
func (c *Client) PublishSegment(seg transcribe.Segment) error {
	msg, err := SegmentMsg(seg)
	if err != nil {
		return err
	}
	return c.conn.PublishMsg(msg)
}

// PublishGC announces the summary of a retention run.
func (c *Client) PublishGC(ev GCEvent) error {
	msg, err := newMsg(SubjectGCCompleted, "", "", ev)
	if err != nil {
		return err
	}
	return c.conn.PublishMsg(msg)
}

// OnStop delivers stop commands to handle, which reports whether the
// command applied to the running session. Requests sent with a reply
// subject get a StopReply.
func (c *Client) OnStop(handle func(StopCommand) bool) error {
	sub, err := c.conn.Subscribe(SubjectControlStop, func(msg *nats.Msg) {
		cmd, err := ParseStopCommand(msg.Data)
		if err != nil {
			c.logger.Warn("ignoring stop command", "subject", msg.Subject, "error", err)
			c.reply(msg, StopReply{Error: err.Error()})
			return
		}
		c.reply(msg, StopReply{Accepted: handle(cmd)})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectControlStop, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("listening for remote stop", "subject", SubjectControlStop)
	return nil
}

// RequestStop asks the running pipeline to stop and waits for its reply.
func (c *Client) RequestStop(ctx context.Context, cmd StopCommand) (StopReply, error) {
	var reply StopReply
	data, err := json.Marshal(cmd)
	if err != nil {
		return reply, fmt.Errorf("marshal stop command: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, SubjectControlStop, data)
	if err != nil {
		return reply, fmt.Errorf("request stop: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("parse stop reply: %w", err)
	}
	return reply, nil
}

func (c *Client) reply(msg *nats.Msg, r StopReply) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(r)
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("failed to answer stop request", "error", err)
	}
}

// Flush waits until published messages reach the server or ctx ends.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and pending publishes before closing.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// SessionMsg builds the message for a session event.
func SessionMsg(ev SessionEvent) (*nats.Msg, error) {
	subject, err := SessionSubject(ev.State)
	if err != nil {
		return nil, err
	}
	return newMsg(subject, ev.SessionID, ev.SessionID+"."+ev.State, ev)
}

// SegmentMsg builds the message for a written segment.
func SegmentMsg(seg transcribe.Segment) (*nats.Msg, error) {
	id := seg.SessionID + "." + strconv.FormatInt(seg.Seq, 10)
	return newMsg(SubjectSegmentWritten, seg.SessionID, id, NewSegmentEvent(seg))
}

func newMsg(subject, sessionID, msgID string, v any) (*nats.Msg, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		msg.Header.Set(HeaderSession, sessionID)
	}
	if msgID != "" {
		msg.Header.Set(HeaderMsgID, msgID)
	}
	return msg, nil
}
