package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nadzzz/meshbridge/internal/address"
	"github.com/nadzzz/meshbridge/internal/journal"
	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/transport"
)

// HandlePacket processes one inbound mesh packet. Packets not addressed to
// this node, packets that are not text and blank messages are dropped.
// Every text message addressed to us is journaled; matched ones are answered.
func (b *Bridge) HandlePacket(ctx context.Context, p message.Packet) {
	self := b.self.Load()
	if self == nil || !b.accepting.Load() {
		return
	}

	// Step 1: addressed to us, by number or by string id.
	if !self.Matches(p.To, p.ToID) {
		b.log.Debug().Str("to", p.ToID).Uint32("to_num", p.To).Msg("packet not for this node")
		return
	}

	// Step 2: text messages only.
	if p.Decoded == nil || p.Decoded.PortNum != message.PortNumTextMessage {
		return
	}

	// Step 3: ignore blank text.
	text := strings.TrimSpace(p.Decoded.TextContent())
	if text == "" {
		return
	}

	sender := p.SenderID()
	logger := b.log.With().Str("sender", sender).Logger()
	logger.Info().Str("text", text).Msg("mesh message received")

	// Step 4: route and journal, whether or not a keyword fired.
	out := b.router.Route(strings.ToLower(text), sender)
	entry := journal.Entry{
		Time:        b.now(),
		Origin:      journal.OriginMesh,
		Sender:      sender,
		Destination: self.ID,
		Message:     text,
		Reply:       out.Reply,
		Matched:     out.Matched,
	}
	if err := b.journal.Append(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("journal append failed")
	}
	if !out.Matched {
		logger.Info().Msg("no keyword match")
		return
	}

	// Step 5: answer the sender.
	dest, err := replyDestination(p)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot address reply")
		return
	}
	n, err := b.chunker.PlanAndSend(ctx, out.Reply, dest, b.mesh.SendText)
	if err != nil {
		logger.Error().Err(err).Str("keyword", out.Keyword).Msg("reply send failed")
		return
	}
	logger.Info().
		Str("keyword", out.Keyword).
		Str("topic", out.Topic).
		Bool("has_data", out.HasData).
		Int("parts", n).
		Msg("reply sent")
}

func replyDestination(p message.Packet) (message.NodeID, error) {
	if p.From != 0 {
		return message.NodeID(p.From), nil
	}
	return address.ParseNodeID(p.FromID)
}

// HandleBrokerMessage processes one inbound broker message. Control topic
// messages are push requests; everything else refreshes the topic cache.
func (b *Bridge) HandleBrokerMessage(ctx context.Context, m message.BrokerMessage) {
	if m.Topic == b.controlTopic {
		b.handleControl(ctx, m)
		return
	}

	at := m.ReceivedAt
	if at.IsZero() {
		at = b.now()
	}
	b.cache.Put(m.Topic, m.Payload, at)
	b.log.Debug().Str("topic", m.Topic).Int("bytes", len(m.Payload)).Msg("topic value cached")
}

func (b *Bridge) handleControl(ctx context.Context, m message.BrokerMessage) {
	req, err := ParseControl(m.Payload)
	if err != nil {
		b.log.Warn().Err(err).Str("topic", m.Topic).Msg("control request discarded")
		return
	}
	if _, err := b.push(ctx, req, m.Topic); err != nil {
		b.log.Error().Err(err).Stringer("destination", req.Destination).Msg("push failed")
	}
}

// ParseControl parses an "ADDRESS@TEXT" control payload. Only the first "@"
// separates; the text may contain more. ADDRESS must be a hardware address
// or a broadcast literal.
func ParseControl(payload string) (message.Outbound, error) {
	addr, text, ok := strings.Cut(payload, "@")
	if !ok {
		return message.Outbound{}, fmt.Errorf("%w: missing '@' separator", ErrMalformedControlPayload)
	}

	dest, err := address.MACToNodeID(addr)
	if err != nil {
		return message.Outbound{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return message.Outbound{}, fmt.Errorf("%w: empty message", ErrMalformedControlPayload)
	}
	return message.Outbound{Destination: dest, Text: text}, nil
}

// Receipt describes a completed push.
type Receipt struct {
	Destination message.NodeID `json:"destination"`
	Parts       int            `json:"parts"`
}

// Push sends text to the node at addr, which may be a hardware address or
// any node id form. It takes the same path as a control-topic request.
func (b *Bridge) Push(ctx context.Context, addr, text string) (Receipt, error) {
	dest, err := address.ParseNodeID(addr)
	if err != nil {
		return Receipt{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Receipt{}, fmt.Errorf("%w: empty message", ErrMalformedControlPayload)
	}
	return b.push(ctx, message.Outbound{Destination: dest, Text: text}, "api")
}

func (b *Bridge) push(ctx context.Context, out message.Outbound, source string) (Receipt, error) {
	rc := Receipt{Destination: out.Destination}

	var err error
	if !b.accepting.Load() || transport.State(b.meshState.Load()) != transport.Connected {
		err = ErrNotReady
	} else {
		rc.Parts, err = b.chunker.PlanAndSend(ctx, out.Text, out.Destination, b.mesh.SendText)
	}

	entry := journal.Entry{
		Time:        b.now(),
		Origin:      journal.OriginBroker,
		Sender:      source,
		Destination: out.Destination.String(),
		Message:     out.Text,
		Matched:     true,
		Reply:       fmt.Sprintf("sent in %d part(s)", rc.Parts),
	}
	if err != nil {
		entry.Reply = "send failed: " + err.Error()
	}
	if jerr := b.journal.Append(ctx, entry); jerr != nil {
		b.log.Warn().Err(jerr).Msg("journal append failed")
	}

	if err != nil {
		return rc, err
	}
	b.log.Info().
		Str("source", source).
		Stringer("destination", out.Destination).
		Int("parts", rc.Parts).
		Msg("push sent")
	return rc, nil
}

// IsRequestError reports whether err was caused by a bad push request rather
// than by the mesh link.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrMalformedControlPayload) || errors.Is(err, address.ErrInvalidAddress)
}
