package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-chatbot/pkg"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.DB.Close() })
	return repo
}

func TestDialectFor(t *testing.T) {
	assert.Equal(t, Postgres, DialectFor("postgres://chat@db/chat?sslmode=disable"))
	assert.Equal(t, Postgres, DialectFor("postgresql://db/chat"))
	assert.Equal(t, SQLite, DialectFor("file:chat.db"))
	assert.Equal(t, SQLite, DialectFor(":memory:"))
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	assert.Equal(t, q, rebind(SQLite, q))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", rebind(Postgres, q))
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, Migrate(context.Background(), repo.DB, SQLite))
}

func TestTranscriptRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	link := pkg.ReportLink{ID: "r1", URL: "/api/reports/r1", Filename: "health_report.pdf"}

	require.NoError(t, repo.CreateSession(ctx, "s1"))
	require.NoError(t, repo.CreateSession(ctx, "s1"))
	require.NoError(t, repo.CreateMessage(ctx, "s1", pkg.Message{Sender: pkg.SenderBot, Text: "Hello! How can I assist you today?", CreatedAt: at}))
	require.NoError(t, repo.CreateMessage(ctx, "s1", pkg.Message{Sender: pkg.SenderUser, Text: "generate report", CreatedAt: at.Add(time.Second)}))
	require.NoError(t, repo.RecordReport(ctx, "s1", link))
	require.NoError(t, repo.CreateMessage(ctx, "s1", pkg.Message{Sender: pkg.SenderBot, Text: "Report generated successfully!", Report: &link, CreatedAt: at.Add(2 * time.Second)}))

	transcript, err := repo.GetTranscript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, pkg.SenderBot, transcript[0].Sender)
	assert.Equal(t, "generate report", transcript[1].Text)
	assert.True(t, at.Equal(transcript[0].CreatedAt))
	assert.Nil(t, transcript[1].Report)
	assert.Equal(t, &link, transcript[2].Report)

	count, err := repo.CountReports(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.EndSession(ctx, "s1"))
	var ended bool
	require.NoError(t, repo.DB.QueryRow(`SELECT ended_at IS NOT NULL FROM sessions WHERE id = ?`, "s1").Scan(&ended))
	assert.True(t, ended)
}

func TestCreateMessageRequiresSession(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.CreateMessage(context.Background(), "nope", pkg.Message{Sender: pkg.SenderUser, Text: "hi"})

	assert.Error(t, err)
}

func TestNotifierIsNoopOnSQLite(t *testing.T) {
	repo := newTestRepository(t)
	n := NewNotifier(repo.DB, repo.Dialect, "report_ready")

	assert.NoError(t, n.Notify(context.Background(), "s1", pkg.ReportLink{ID: "r1"}))
	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), "s1", pkg.ReportLink{ID: "r1"}))
}

func TestRecorderArchivesEvents(t *testing.T) {
	repo := newTestRepository(t)
	rec := NewRecorder(repo, nil, 16)
	link := pkg.ReportLink{ID: "r1", URL: "/api/reports/r1", Filename: "health_report.pdf"}

	rec.Emit(pkg.Event{Kind: pkg.EventMessage, SessionID: "s1", Message: &pkg.Message{Sender: pkg.SenderBot, Text: "Hello! How can I assist you today?"}})
	rec.Emit(pkg.Event{Kind: pkg.EventMessage, SessionID: "s1", Message: &pkg.Message{Sender: pkg.SenderUser, Text: "generate report"}})
	rec.Emit(pkg.Event{Kind: pkg.EventMessage, SessionID: "s1", Message: &pkg.Message{Sender: pkg.SenderBot, Text: "Report generated successfully!", Report: &link}})
	rec.Emit(pkg.Event{Kind: pkg.EventReportReady, SessionID: "s1", Report: &link})
	rec.End("s1")
	rec.Close()

	transcript, err := repo.GetTranscript(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, "generate report", transcript[1].Text)
	assert.Equal(t, &link, transcript[2].Report)

	// Emit after Close is dropped without panicking.
	assert.NotPanics(t, func() {
		rec.Emit(pkg.Event{Kind: pkg.EventMessage, SessionID: "s1", Message: &pkg.Message{Text: "late"}})
	})
}

func TestRecorderCloseRacesEmit(t *testing.T) {
	repo := newTestRepository(t)
	rec := NewRecorder(repo, nil, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec.Emit(pkg.Event{Kind: pkg.EventMessage, SessionID: "s1", Message: &pkg.Message{Sender: pkg.SenderUser, Text: "hi"}})
			}
		}()
	}
	rec.Close()
	wg.Wait()

	assert.NotPanics(t, rec.Close)
	assert.NotPanics(t, func() { rec.End("s1") })
}
