package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/pipeline"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

const (
	maxRequestBody     = 1 << 20
	subscriberBuffer   = 64
	progressWriteLimit = 10 * time.Second
)

// Source kinds accepted by POST /api/exports.
const (
	SourceKindPattern = "pattern"
	SourceKindFile    = "file"
)

// SourceRequest selects what to export.
type SourceRequest struct {
	Kind   string  `json:"kind"`
	Path   string  `json:"path,omitempty"`
	ToneHz float64 `json:"toneHz,omitempty"`
}

// CreateExportRequest is the body of POST /api/exports.
type CreateExportRequest struct {
	Config    core.ExportConfig `json:"config"`
	Source    SourceRequest     `json:"source"`
	SourceKey string            `json:"sourceKey,omitempty"`
}

// ErrorView is the JSON form of an export failure.
type ErrorView struct {
	Kind      core.ErrorKind `json:"kind"`
	Stage     core.Stage     `json:"stage"`
	LastFrame int            `json:"lastFrame"`
	Message   string         `json:"message"`
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID         string              `json:"id"`
	SourceKey  string              `json:"sourceKey"`
	State      string              `json:"state"`
	Config     core.ExportConfig   `json:"config"`
	Progress   core.ExportProgress `json:"progress"`
	CreatedAt  time.Time           `json:"createdAt"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
	MIMEType   string              `json:"mimeType,omitempty"`
	Size       int                 `json:"size,omitempty"`
	Error      *ErrorView          `json:"error,omitempty"`
}

// Event is one message on the progress websocket.
type Event struct {
	Type     string               `json:"type"` // "progress" or "result"
	Progress *core.ExportProgress `json:"progress,omitempty"`
	Session  *SessionView         `json:"session,omitempty"`
}

func errorView(err *core.ExportError) *ErrorView {
	if err == nil {
		return nil
	}
	return &ErrorView{Kind: err.Kind, Stage: err.Stage, LastFrame: err.LastFrame, Message: err.Error()}
}

func viewOf(s *pipeline.Session) SessionView {
	v := SessionView{
		ID:        s.ID(),
		SourceKey: s.SourceKey(),
		State:     s.State().String(),
		Config:    s.Config(),
		Progress:  s.Progress(),
		CreatedAt: s.CreatedAt(),
	}
	if res, ok := s.Result(); ok {
		finished := s.FinishedAt()
		v.FinishedAt = &finished
		v.MIMEType = res.MIMEType
		v.Size = len(res.Data)
		v.Error = errorView(res.Err)
	}
	return v
}

// RespondJSON sends a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if kind := core.KindOf(err); kind != core.KindUnknown {
		body["kind"] = kind
	}
	RespondJSON(w, statusCode, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrSourceBusy), errors.Is(err, pipeline.ErrSessionActive):
		return http.StatusConflict
	case core.KindOf(err) == core.KindInvalidConfig:
		return http.StatusBadRequest
	case core.KindOf(err) == core.KindSourceUnavailable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  ServiceName,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sessions": len(s.manager.List()),
	})
}

// buildSource turns a request into a sampler source and its exclusivity key.
func (s *Server) buildSource(req CreateExportRequest) (sampler.Source, string, error) {
	cfg := req.Config
	switch req.Source.Kind {
	case SourceKindPattern, "":
		return &sampler.PatternSource{
			Width:     cfg.Width,
			Height:    cfg.Height,
			Duration:  time.Duration(cfg.Duration * float64(time.Second)),
			FrameRate: cfg.FrameRate,
			ToneHz:    req.Source.ToneHz,
		}, req.SourceKey, nil
	case SourceKindFile:
		if req.Source.Path == "" {
			return nil, "", core.Wrap(core.KindInvalidConfig, nil, "file source needs a path")
		}
		path, err := filepath.Abs(req.Source.Path)
		if err != nil {
			return nil, "", core.Wrap(core.KindInvalidConfig, err, "invalid source path %q", req.Source.Path)
		}
		key := req.SourceKey
		if key == "" {
			key = path
		}
		return sampler.NewFFmpegSource(path, s.opts.FFmpegPath, s.opts.FFprobePath, s.logger), key, nil
	default:
		return nil, "", core.Wrap(core.KindInvalidConfig, nil, "unknown source kind %q", req.Source.Kind)
	}
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req CreateExportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	src, key, err := s.buildSource(req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if _, isFile := src.(*sampler.FFmpegSource); isFile {
		req.Config, err = pipeline.ResolveConfig(r.Context(), req.Config, src, s.opts.Pipeline.OpenTimeout)
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}
	} else if req.Config.FrameRate == 0 {
		req.Config.FrameRate = sampler.DefaultFrameRate
		src.(*sampler.PatternSource).FrameRate = sampler.DefaultFrameRate
	}

	b := NewBroadcaster(s.logger)
	session, err := s.manager.Start(s.ctx, req.Config, key, src,
		pipeline.WithProgress(func(p core.ExportProgress) {
			b.Broadcast(encodeEvent(Event{Type: "progress", Progress: &p}))
		}),
	)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	s.mu.Lock()
	s.broadcasters[session.ID()] = b
	s.mu.Unlock()
	session.OnResult(func(core.ExportResult) {
		view := viewOf(session)
		b.Close(encodeEvent(Event{Type: "result", Session: &view}))
	})

	RespondJSON(w, http.StatusCreated, viewOf(session))
}

func encodeEvent(e Event) []byte {
	data, _ := json.Marshal(e)
	return data
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, viewOf(session))
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"exports": views,
		"count":   len(views),
	})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	RespondJSON(w, http.StatusOK, viewOf(session))
}

// handleDeleteExport cancels a running session, or forgets a finished one.
func (s *Server) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.manager.Get(id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	if !session.State().Terminal() {
		session.Cancel()
		RespondJSON(w, http.StatusAccepted, viewOf(session))
		return
	}
	if err := s.manager.Remove(id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	s.mu.Lock()
	delete(s.broadcasters, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportResult(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	res, done := session.Result()
	switch {
	case !done:
		RespondJSON(w, http.StatusConflict, viewOf(session))
	case res.Cancelled:
		RespondJSON(w, http.StatusGone, viewOf(session))
	case res.Err != nil:
		RespondJSON(w, http.StatusUnprocessableEntity, viewOf(session))
	default:
		w.Header().Set("Content-Type", res.MIMEType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
		w.Header().Set("Content-Disposition", "attachment; filename=\""+session.ID()+extensionFor(res.MIMEType)+"\"")
		w.WriteHeader(http.StatusOK)
		w.Write(res.Data)
	}
}

func extensionFor(mimeType string) string {
	if mimeType == "video/webm" {
		return ".webm"
	}
	return ".mp4"
}

var progressUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleExportProgress streams progress events, then the result event, then
// closes the socket.
func (s *Server) handleExportProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	b, ok := s.broadcaster(id)
	if !ok {
		respondError(w, http.StatusNotFound, errors.Wrapf(pipeline.ErrSessionNotFound, "session %s", id))
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Progress websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	subscriberID := uuid.NewString()
	events := b.Subscribe(subscriberID, subscriberBuffer)
	defer b.Unsubscribe(subscriberID)

	// the reader notices when the client goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("Progress websocket read error", "session", id, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(progressWriteLimit))
				conn.WriteMessage(websocket.CloseMessage, progressCloseMessage(b, subscriberID))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(progressWriteLimit))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("Progress websocket write failed", "session", id, "error", err)
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// progressCloseMessage tells a subscriber that fell behind to reconnect, and
// everyone else that the stream is over.
func progressCloseMessage(b *Broadcaster, subscriberID string) []byte {
	if b.Dropped(subscriberID) {
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "progress subscriber fell behind")
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "export finished")
}
