package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"xray-chatbot/internal/artifact"
	"xray-chatbot/internal/core"
	"xray-chatbot/pkg"
)

const maxFormBytes = 64 << 10

// turnResponse is the JSON form of the messages appended by one action.
type turnResponse struct {
	SessionID string        `json:"session_id"`
	Mode      core.Mode     `json:"mode"`
	Messages  []pkg.Message `json:"messages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func isJSONBody(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/json"
}

// respondTurn writes the messages of a turn as an HTML fragment for the
// widget, or as JSON when the client asks for it.
func (s *Server) respondTurn(w http.ResponseWriter, r *http.Request, sess *session, messages []pkg.Message) {
	if messages == nil {
		messages = []pkg.Message{}
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, turnResponse{
			SessionID: sess.conv.ID(),
			Mode:      sess.conv.State().Mode,
			Messages:  messages,
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := writeFragment(w, messages); err != nil {
		s.logger.Error().Err(err).Msg("render fragment")
	}
}

// handleCreateSession starts a conversation and returns where the widget
// for it lives.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.StartSession())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.EndSession(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChatPage renders the chat widget with the current transcript.
func (s *Server) handleChatPage(w http.ResponseWriter, r *http.Request, sess *session) {
	data := struct {
		SessionID string
		Messages  []pkg.Message
	}{sess.conv.ID(), sess.conv.Messages()}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "chat.html", data); err != nil {
		s.logger.Error().Err(err).Msg("render chat page")
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, sess *session) {
	writeJSON(w, http.StatusOK, turnResponse{
		SessionID: sess.conv.ID(),
		Mode:      sess.conv.State().Mode,
		Messages:  sess.conv.Messages(),
	})
}

// handlePostMessage runs one user input through the conversation and
// returns the messages it appended.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, sess *session) {
	if !sess.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	var content string
	if isJSONBody(r) {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		content = body.Content
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		content = r.FormValue("content")
	}
	s.respondTurn(w, r, sess, sess.conv.HandleUserInput(r.Context(), content))
}

// locationRequest is the browser's geolocation outcome: either a position
// or the reason it is unavailable.
type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     string   `json:"error"`
}

func parseLocation(r *http.Request) (locationRequest, error) {
	var req locationRequest
	if isJSONBody(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid json body: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("invalid form: %w", err)
	}
	req.Error = r.FormValue("error")
	for _, f := range []struct {
		name string
		dst  **float64
	}{{"latitude", &req.Latitude}, {"longitude", &req.Longitude}} {
		raw := r.FormValue(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("invalid %s %q", f.name, raw)
		}
		*f.dst = &v
	}
	return req, nil
}

// locator turns the request into the conversation's Locator.
func (req locationRequest) locator() core.Locator {
	return core.LocatorFunc(func(ctx context.Context) (pkg.Coordinates, error) {
		if req.Error != "" {
			return pkg.Coordinates{}, fmt.Errorf("%w: %s", core.ErrLocationDenied, req.Error)
		}
		return pkg.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}, nil
	})
}

func (s *Server) handleSearchDoctors(w http.ResponseWriter, r *http.Request, sess *session) {
	if !sess.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	req, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Error == "" && (req.Latitude == nil || req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "latitude and longitude or error are required")
		return
	}
	s.respondTurn(w, r, sess, sess.conv.LocateDoctors(r.Context(), req.locator()))
}

// handleUploadXray reads the multipart "file" field and runs the analysis.
func (s *Server) handleUploadXray(w http.ResponseWriter, r *http.Request, sess *session) {
	if !sess.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many uploads, slow down")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	upload := core.Upload{Filename: header.Filename, Data: data}
	s.respondTurn(w, r, sess, sess.conv.AnalyzeImage(r.Context(), upload))
}

// handleDownloadReport serves a published report as an attachment.
func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.opts.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load report")
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	filename := doc.Filename
	if filename == "" {
		filename = core.ReportFilename
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	_, _ = w.Write(doc.Data)
}
