package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"xray-chatbot/internal/artifact"
	"xray-chatbot/internal/core"
	"xray-chatbot/pkg"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D}

type stubServices struct {
	replies   []string
	doctors   map[int]pkg.Doctor
	forgotten []string
}

func (s *stubServices) Forget(sender string) { s.forgotten = append(s.forgotten, sender) }

func (s *stubServices) Send(context.Context, string, string) ([]string, error) {
	return s.replies, nil
}

func (s *stubServices) Predict(context.Context, core.Upload) (*pkg.Prediction, error) {
	return &pkg.Prediction{Disease: "Pneumonia"}, nil
}

func (s *stubServices) Generate(context.Context, pkg.ReportRequest) (*pkg.Document, error) {
	return &pkg.Document{Data: []byte("%PDF-1.4 report"), ContentType: "application/pdf"}, nil
}

func (s *stubServices) Nearby(context.Context, pkg.Coordinates) (map[int]pkg.Doctor, error) {
	return s.doctors, nil
}

func (s *stubServices) Select(_ context.Context, index int) (*pkg.Doctor, error) {
	d, ok := s.doctors[index]
	if !ok {
		return nil, errors.New("unknown doctor")
	}
	return &d, nil
}

type recordingArchive struct {
	events []pkg.Event
	ended  []string
}

func (a *recordingArchive) Emit(ev pkg.Event) { a.events = append(a.events, ev) }
func (a *recordingArchive) End(id string) { a.ended = append(a.ended, id) }

type fixture struct {
	server  *Server
	svc     *stubServices
	archive *recordingArchive
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	svc := &stubServices{
		replies: []string{"I can help with **X-ray** questions."},
		doctors: map[int]pkg.Doctor{1: {Name: "Dr. Rivera", Location: "Clinic A"}, 2: {Name: "Dr. Chen", Location: "Clinic B"}},
	}
	store := artifact.NewMemoryStore(0)
	archive := &recordingArchive{}
	opts := Options{
		Deps: core.Dependencies{
			Relay:     svc,
			Predictor: svc,
			Reporter:  svc,
			Directory: svc,
			Publisher: artifact.NewPublisher(store, "/api/reports"),
		},
		Reports: store,
		Archive: archive,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return &fixture{server: NewServer(opts), svc: svc, archive: archive}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) start(t *testing.T) pkg.SessionInfo {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var info pkg.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func (f *fixture) say(t *testing.T, id, content string) turnResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"content": content})
	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", bytes.NewReader(body),
		map[string]string{"Content-Type": "application/json", "Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func texts(messages []pkg.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Text
	}
	return out
}

func TestCreateSessionGreets(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "/chat/"+info.SessionID, info.StartURL)

	rec := f.do(t, http.MethodGet, "/api/sessions/"+info.SessionID+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Mode     string        `json:"mode"`
		Messages []pkg.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.Mode)
	assert.Equal(t, []string{core.Greeting}, texts(resp.Messages))
	require.Len(t, f.archive.events, 1)
	assert.Equal(t, info.SessionID, f.archive.events[0].SessionID)
}

func TestPostMessageHTMLFragment(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	form := url.Values{"content": {"what does my x-ray show?"}}
	rec := f.do(t, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, `<div class="message user">`)
	assert.Contains(t, body, "what does my x-ray show?")
	assert.Contains(t, body, `<div class="message bot">`)
	assert.Contains(t, body, "<strong>X-ray</strong>")
}

func TestBlankMessageIsNoop(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	resp := f.say(t, info.SessionID, "   ")

	assert.Empty(t, resp.Messages)
	assert.Equal(t, core.ModeIdle, resp.Mode)
}

func TestReportFlowAndDownload(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	resp := f.say(t, info.SessionID, "Generate Report")
	assert.Equal(t, []string{"Generate Report", core.UsernameRequestMessage}, texts(resp.Messages))
	assert.Equal(t, core.ModeAwaitingUsername, resp.Mode)

	f.say(t, info.SessionID, "Alex")
	resp = f.say(t, info.SessionID, "generate report")
	require.Len(t, resp.Messages, 2)
	link := resp.Messages[1].Report
	require.NotNil(t, link)
	assert.Equal(t, core.ReportReadyMessage, resp.Messages[1].Text)

	rec := f.do(t, http.MethodGet, link.URL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=health_report.pdf`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.4 report", rec.Body.String())

	var kinds []pkg.EventKind
	for _, ev := range f.archive.events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, pkg.EventReportReady)
}

func TestReportLinkRendersDownload(t *testing.T) {
	var buf bytes.Buffer
	link := &pkg.ReportLink{ID: "r1", URL: "/api/reports/r1", Filename: "health_report.pdf"}

	require.NoError(t, writeFragment(&buf, []pkg.Message{{Sender: pkg.SenderBot, Text: core.ReportReadyMessage, Report: link}}))

	assert.Contains(t, buf.String(), `<a class="download" href="/api/reports/r1" download="health_report.pdf">Download health_report.pdf</a>`)
}

func TestUnknownReport(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/reports/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoctorSearchAndSelection(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+info.SessionID+"/doctors/search",
		strings.NewReader(`{"latitude":40.7,"longitude":-74.0}`),
		map[string]string{"Content-Type": "application/json", "Accept": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.ModeAwaitingDoctorSelection, resp.Mode)
	assert.Equal(t, []string{
		core.SearchingDoctorsMessage,
		"Nearby Doctors:\n1. Dr. Rivera - Clinic A\n2. Dr. Chen - Clinic B\n\nType a number (e.g., 1) to select a doctor.",
	}, texts(resp.Messages))

	resp = f.say(t, info.SessionID, "9")
	assert.Equal(t, core.InvalidSelectionMessage, resp.Messages[1].Text)
	assert.Equal(t, core.ModeAwaitingDoctorSelection, resp.Mode)

	resp = f.say(t, info.SessionID, "2")
	assert.Contains(t, resp.Messages[1].Text, "Dr. Chen")
	assert.Equal(t, core.ModeIdle, resp.Mode)
}

func TestDoctorSearchFormAndDenied(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)
	path := "/api/sessions/" + info.SessionID + "/doctors/search"
	form := map[string]string{"Content-Type": "application/x-www-form-urlencoded", "Accept": "application/json"}

	rec := f.do(t, http.MethodPost, path, strings.NewReader("error=User+denied+Geolocation"), form)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{core.LocationDeniedMessage}, texts(resp.Messages))

	rec = f.do(t, http.MethodPost, path, strings.NewReader("latitude=40.7&longitude=-74.0"), form)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, path, strings.NewReader("latitude=north"), form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, path, strings.NewReader(""), form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartFile(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadXray(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)
	body, ct := multipartFile(t, "chest.png", pngHeader)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+info.SessionID+"/xray", body,
		map[string]string{"Content-Type": ct, "Accept": "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{
		core.UploadingMessage,
		core.ProcessingMessage,
		"X-ray analysis complete! Disease Detected: **Pneumonia**",
	}, texts(resp.Messages))
}

func TestUploadXrayLimits(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 1024 })
	info := f.start(t)
	path := "/api/sessions/" + info.SessionID + "/xray"

	body, ct := multipartFile(t, "huge.png", append(pngHeader, make([]byte, 4096)...))
	rec := f.do(t, http.MethodPost, path, body, map[string]string{"Content-Type": ct})
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, rec.Code)

	rec = f.do(t, http.MethodPost, path, strings.NewReader("content=hi"),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimit = rate.Every(time.Hour)
		o.RateBurst = 1
	})
	info := f.start(t)

	f.say(t, info.SessionID, "hello")
	rec := f.do(t, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", strings.NewReader(`{"content":"again"}`),
		map[string]string{"Content-Type": "application/json"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnknownAndDeletedSession(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/sessions/missing/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	info := f.start(t)
	rec = f.do(t, http.MethodDelete, "/api/sessions/"+info.SessionID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{info.SessionID}, f.archive.ended)

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+info.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/sessions/"+info.SessionID+"/messages", strings.NewReader("content=hi"),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdleSessionsExpire(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.server.now = func() time.Time { return now }
	f.server.opts.IdleTimeout = 30 * time.Minute

	idle := f.start(t)
	active := f.start(t)
	f.say(t, idle.SessionID, "generate report")
	f.say(t, idle.SessionID, "Alex")

	now = now.Add(20 * time.Minute)
	f.say(t, active.SessionID, "hello")
	assert.Zero(t, f.server.sweepIdle())

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, f.server.sweepIdle())

	rec := f.do(t, http.MethodGet, "/api/sessions/"+idle.SessionID+"/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/sessions/"+active.SessionID+"/messages", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{idle.SessionID}, f.archive.ended)
	assert.ElementsMatch(t, []string{"anonymous-" + idle.SessionID, "Alex"}, f.svc.forgotten)
}

func TestIdleSweepSparesStreamedSessions(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()
	info := f.start(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + info.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.Hub().Subscribers(info.SessionID) == 1 }, time.Second, 10*time.Millisecond)

	sess, ok := f.server.lookup(info.SessionID)
	require.True(t, ok)
	sess.lastSeen.Store(0)
	f.server.opts.IdleTimeout = time.Minute

	assert.Zero(t, f.server.sweepIdle())
}

func TestIdleSweepRunsInBackground(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.IdleTimeout = time.Millisecond })
	defer f.server.Close()
	info := f.start(t)

	require.Eventually(t, func() bool {
		_, ok := f.server.lookup(info.SessionID)
		return !ok
	}, 3*time.Second, 50*time.Millisecond)
}

func TestChatPageAndHealth(t *testing.T) {
	f := newFixture(t)
	info := f.start(t)

	rec := f.do(t, http.MethodGet, info.StartURL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), core.Greeting)
	assert.Contains(t, rec.Body.String(), "/api/sessions/"+info.SessionID+"/messages")
	assert.Contains(t, rec.Body.String(), `hx-vals='{"content": "generate report"}'`)

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRenderMarkdownDropsRawHTML(t *testing.T) {
	out := string(renderMarkdown("Disease Detected: **Pneumonia** <script>alert(1)</script>"))

	assert.Contains(t, out, "<strong>Pneumonia</strong>")
	assert.NotContains(t, out, "<script>")
}

func TestRenderMarkdownDropsUnsafeLinks(t *testing.T) {
	for _, text := range []string{
		"[see results](javascript:alert(document.cookie))",
		"[see results](data:text/html;base64,PHNjcmlwdD5hbGVydCgxKTwvc2NyaXB0Pg==)",
	} {
		out := string(renderMarkdown(text))
		assert.Contains(t, out, "see results")
		assert.NotContains(t, out, "href=", text)
	}

	out := string(renderMarkdown("[clinic](https://example.com/clinic)"))
	assert.Contains(t, out, `href="https://example.com/clinic"`)
}

func TestStreamPushesEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()
	info := f.start(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + info.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.Hub().Subscribers(info.SessionID) == 1 }, time.Second, 10*time.Millisecond)

	f.say(t, info.SessionID, "hello")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second pkg.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, pkg.EventMessage, first.Kind)
	assert.Equal(t, "hello", first.Message.Text)
	assert.Equal(t, pkg.SenderBot, second.Message.Sender)

	f.server.EndSession(info.SessionID)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
