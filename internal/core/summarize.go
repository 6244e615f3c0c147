package core

import (
	"context"
	"errors"
	"net/http"

	"xray-chatbot/pkg"
)

// statusCoder is implemented by errors that carry the HTTP status a service
// answered with.
type statusCoder interface {
	HTTPStatus() int
}

// summarizeLocked snapshots the session into a report request.  The caller
// must hold the lock and have checked that a username is set.
func (c *Conversation) summarizeLocked() pkg.ReportRequest {
	req := pkg.ReportRequest{
		UserName:    *c.username,
		Disease:     NoPrediction,
		ChatHistory: make([]pkg.ChatEntry, 0, len(c.history)),
	}
	if c.predictedDisease != nil {
		req.Disease = *c.predictedDisease
	}
	if c.selectedDoctor != nil {
		d := *c.selectedDoctor
		req.Doctor = &d
	}
	for _, m := range c.history {
		req.ChatHistory = append(req.ChatHistory, pkg.ChatEntry{Sender: m.Sender, Text: m.Text})
	}
	return req
}

// generateReport submits the summary, publishes the returned document and
// announces the download link.  Every failure ends as a bot message.
func (c *Conversation) generateReport(ctx context.Context, t *turn, req pkg.ReportRequest) {
	doc, err := c.deps.Reporter.Generate(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("report generation failed")
		c.mu.Lock()
		defer c.mu.Unlock()
		var sc statusCoder
		if errors.As(err, &sc) && sc.HTTPStatus() != http.StatusOK {
			c.appendLocked(t, pkg.SenderBot, ReportRejectedMessage)
			return
		}
		c.appendLocked(t, pkg.SenderBot, ReportErrorMessage)
		return
	}
	if doc.Filename == "" {
		doc.Filename = ReportFilename
	}

	link, err := c.deps.Publisher.Publish(ctx, c.id, *doc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("report publish failed")
		c.appendLocked(t, pkg.SenderBot, ReportErrorMessage)
		return
	}
	c.appendMessageLocked(t, pkg.Message{Sender: pkg.SenderBot, Text: ReportReadyMessage, Report: &link})
	c.emitLocked(pkg.Event{Kind: pkg.EventReportReady, SessionID: c.id, Report: &link})
}
