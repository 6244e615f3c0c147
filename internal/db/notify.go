package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"xray-chatbot/pkg"
)

// ReportNotice is the payload sent on the notify channel when a report is
// ready for download.
type ReportNotice struct {
	SessionID string `json:"session_id"`
	ReportID  string `json:"report_id"`
	URL       string `json:"url"`
}

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  On sqlite it
// does nothing.
type Notifier struct {
	DB      *sql.DB
	Dialect Dialect
	Channel string
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.
func NewNotifier(db *sql.DB, dialect Dialect, channel string) *Notifier {
	return &Notifier{DB: db, Dialect: dialect, Channel: channel}
}

// Notify announces a ready report on the channel.
func (n *Notifier) Notify(ctx context.Context, sessionID string, link pkg.ReportLink) error {
	if n == nil || n.Dialect != Postgres || n.Channel == "" {
		return nil
	}
	payload, err := json.Marshal(ReportNotice{SessionID: sessionID, ReportID: link.ID, URL: link.URL})
	if err != nil {
		return err
	}
	// NOTIFY takes no bind parameters; pg_notify does.
	_, err = n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, string(payload))
	return err
}

// Listen opens a dedicated listener connection to dsn and delivers report
// notices until ctx is cancelled.  The returned channel is closed on exit.
func Listen(ctx context.Context, dsn, channel string) (<-chan ReportNotice, error) {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Str("component", "notifier").Msg("listener event")
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", pq.QuoteIdentifier(channel), err)
	}
	ch := make(chan ReportNotice)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect.
				if n == nil {
					continue
				}
				var notice ReportNotice
				if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
					log.Warn().Err(err).Str("component", "notifier").Msg("bad notification payload")
					continue
				}
				select {
				case ch <- notice:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return ch, nil
}
