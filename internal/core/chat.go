package core

import (
	"context"
	"fmt"
	"strings"

	"xray-chatbot/pkg"
)

// IsReportCommand reports whether the input asks for a report.  The whole
// trimmed input must equal the command, ignoring case.
func IsReportCommand(input string) bool {
	return strings.EqualFold(strings.TrimSpace(input), ReportCommand)
}

// HandleUserInput processes one submitted input and returns the messages
// appended while handling it, the echoed user message first.  Blank input is
// ignored.
//
// Classification dispatches on the mode first.  A pending username capture
// consumes any input; otherwise the report command is recognised in every
// mode, then a pending doctor offer takes the input as an index, and
// everything else goes to the chat relay.
func (c *Conversation) HandleUserInput(ctx context.Context, raw string) []pkg.Message {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t := &turn{}

	c.mu.Lock()
	c.appendLocked(t, pkg.SenderUser, raw)

	if c.mode == ModeAwaitingUsername {
		name := raw
		c.username = &name
		c.mode = ModeIdle
		c.settleLocked()
		c.appendLocked(t, pkg.SenderBot, fmt.Sprintf(UsernameSavedMessage, raw))
		c.mu.Unlock()
		return t.messages
	}

	if IsReportCommand(raw) {
		if c.username == nil {
			c.mode = ModeAwaitingUsername
			c.appendLocked(t, pkg.SenderBot, UsernameRequestMessage)
			c.mu.Unlock()
			return t.messages
		}
		req := c.summarizeLocked()
		c.mu.Unlock()
		c.generateReport(ctx, t, req)
		return t.messages
	}

	if c.mode == ModeAwaitingDoctorSelection {
		index, ok := c.parseSelectionLocked(raw)
		if !ok {
			c.appendLocked(t, pkg.SenderBot, InvalidSelectionMessage)
			c.mu.Unlock()
			return t.messages
		}
		c.mu.Unlock()
		c.selectDoctor(ctx, t, index)
		return t.messages
	}

	sender := c.anonymous
	if c.username != nil {
		sender = *c.username
	}
	c.mu.Unlock()
	c.relay(ctx, t, sender, raw)
	return t.messages
}

// relay forwards the text to the NLU service and appends every reply.
func (c *Conversation) relay(ctx context.Context, t *turn, sender, text string) {
	replies, err := c.deps.Relay.Send(ctx, sender, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("relay failed")
		c.appendLocked(t, pkg.SenderBot, RelayErrorMessage)
		return
	}
	for _, reply := range replies {
		if reply == "" {
			continue
		}
		c.appendLocked(t, pkg.SenderBot, reply)
	}
}
