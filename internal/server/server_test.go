package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{
		Pipeline: pipeline.Options{OpenTimeout: time.Second, SeekTimeout: 5 * time.Second},
		Logger:   testLogger(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
		ts.Close()
	})
	return s, ts
}

func postExport(t *testing.T, ts *httptest.Server, req CreateExportRequest) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/exports", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getView(t *testing.T, ts *httptest.Server, id string) SessionView {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/exports/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func waitState(t *testing.T, ts *httptest.Server, id string, state string) SessionView {
	t.Helper()
	var v SessionView
	require.Eventually(t, func() bool {
		v = getView(t, ts, id)
		return v.State == state
	}, 10*time.Second, 20*time.Millisecond, "session %s never reached %s", id, state)
	return v
}

func patternRequest(duration float64) CreateExportRequest {
	return CreateExportRequest{
		Config: core.ExportConfig{Width: 32, Height: 32, FrameRate: 10, Duration: duration, VideoCodec: "mjpeg"},
		Source: SourceRequest{Kind: SourceKindPattern},
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ServiceName, body["service"])
}

func TestExportLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, created := postExport(t, ts, patternRequest(1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	view := waitState(t, ts, id, "completed")
	assert.Equal(t, 10, view.Progress.CurrentFrame)
	assert.Equal(t, 100.0, view.Progress.Percentage)
	assert.Equal(t, "video/mp4", view.MIMEType)
	assert.NotNil(t, view.FinishedAt)
	assert.Nil(t, view.Error)

	result, err := http.Get(ts.URL + "/api/exports/" + id + "/result")
	require.NoError(t, err)
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "video/mp4", result.Header.Get("Content-Type"))
	assert.Equal(t, view.Size, len(data))
	assert.Equal(t, "ftyp", string(data[4:8]))

	list, err := http.Get(ts.URL + "/api/exports")
	require.NoError(t, err)
	defer list.Body.Close()
	var listed struct {
		Exports []SessionView `json:"exports"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&listed))
	assert.Equal(t, 1, listed.Count)
	assert.Equal(t, id, listed.Exports[0].ID)

	// deleting a finished export forgets it
	del, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/exports/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	gone, err := http.Get(ts.URL + "/api/exports/" + id)
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestCancelRunningExport(t *testing.T) {
	_, ts := newTestServer(t)

	req := patternRequest(600)
	req.Config.Width, req.Config.Height = 320, 180
	resp, created := postExport(t, ts, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	del, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/exports/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, delResp.StatusCode)

	waitState(t, ts, id, "cancelled")

	result, err := http.Get(ts.URL + "/api/exports/" + id + "/result")
	require.NoError(t, err)
	result.Body.Close()
	assert.Equal(t, http.StatusGone, result.StatusCode)
}

func TestSourceBusy(t *testing.T) {
	_, ts := newTestServer(t)

	req := patternRequest(600)
	req.SourceKey = "screen-1"
	resp, created := postExport(t, ts, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postExport(t, ts, req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "already being exported")

	del, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/exports/"+created["id"].(string), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
}

func TestCreateExportRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		req  CreateExportRequest
		kind string
	}{
		{
			name: "zero size",
			req:  CreateExportRequest{Config: core.ExportConfig{FrameRate: 30, Duration: 1}, Source: SourceRequest{Kind: SourceKindPattern}},
			kind: string(core.KindInvalidConfig),
		},
		{
			name: "unknown container",
			req: CreateExportRequest{
				Config: core.ExportConfig{Width: 32, Height: 32, FrameRate: 30, Duration: 1, Container: "avi"},
				Source: SourceRequest{Kind: SourceKindPattern},
			},
			kind: string(core.KindInvalidConfig),
		},
		{
			name: "unknown source kind",
			req:  CreateExportRequest{Config: core.ExportConfig{Width: 32, Height: 32, FrameRate: 30, Duration: 1}, Source: SourceRequest{Kind: "camera"}},
			kind: string(core.KindInvalidConfig),
		},
		{
			name: "file without path",
			req:  CreateExportRequest{Config: core.ExportConfig{Width: 32, Height: 32, FrameRate: 30, Duration: 1}, Source: SourceRequest{Kind: SourceKindFile}},
			kind: string(core.KindInvalidConfig),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postExport(t, ts, tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}

	resp, err := http.Post(ts.URL+"/api/exports", "application/json", strings.NewReader(`{"config": [`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownExport(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/api/exports/nope", "/api/exports/nope/result", "/api/exports/nope/progress"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestProgressWebsocket(t *testing.T) {
	_, ts := newTestServer(t)

	resp, created := postExport(t, ts, patternRequest(2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/exports/" + id + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []Event
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		events = append(events, e)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "result", last.Type)
	require.NotNil(t, last.Session)
	assert.Equal(t, "completed", last.Session.State)
	assert.Equal(t, 20, last.Session.Progress.CurrentFrame)

	prev := 0
	for _, e := range events[:len(events)-1] {
		require.Equal(t, "progress", e.Type)
		assert.Greater(t, e.Progress.CurrentFrame, prev)
		prev = e.Progress.CurrentFrame
	}
}

func TestBroadcasterReplaysLatestAndResult(t *testing.T) {
	b := NewBroadcaster(testLogger())

	b.Broadcast([]byte("p1"))
	b.Broadcast([]byte("p2"))
	live := b.Subscribe("live", 4)
	assert.Equal(t, []byte("p2"), <-live)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Broadcast([]byte("p3"))
	assert.Equal(t, []byte("p3"), <-live)

	b.Close([]byte("done"))
	assert.Equal(t, []byte("done"), <-live)
	_, open := <-live
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())

	late := b.Subscribe("late", 4)
	assert.Equal(t, []byte("done"), <-late)
	_, open = <-late
	assert.False(t, open)

	// unsubscribing after close is harmless
	b.Unsubscribe("live")
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())
	slow := b.Subscribe("slow", 1)

	b.Broadcast([]byte("a"))
	b.Broadcast([]byte("b"))

	assert.Equal(t, []byte("a"), <-slow)
	_, open := <-slow
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
	assert.True(t, b.Dropped("slow"))

	b.Unsubscribe("slow")
	assert.False(t, b.Dropped("slow"))
}

func TestProgressCloseMessage(t *testing.T) {
	b := NewBroadcaster(testLogger())
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 8)
	b.Broadcast([]byte("a"))
	b.Broadcast([]byte("b"))
	<-slow
	b.Close([]byte("done"))
	for range fast {
	}

	code := func(msg []byte) int {
		return int(msg[0])<<8 | int(msg[1])
	}
	assert.Equal(t, websocket.CloseTryAgainLater, code(progressCloseMessage(b, "slow")))
	assert.Contains(t, string(progressCloseMessage(b, "slow")), "fell behind")
	assert.False(t, b.Dropped("fast"))
	assert.Equal(t, websocket.CloseNormalClosure, code(progressCloseMessage(b, "fast")))
	assert.Contains(t, string(progressCloseMessage(b, "fast")), "export finished")
}

func TestStopCancelsRunningExports(t *testing.T) {
	s, ts := newTestServer(t)

	req := patternRequest(600)
	req.Config.Width, req.Config.Height = 320, 180
	resp, created := postExport(t, ts, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	waitState(t, ts, id, "running")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	session, err := s.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCancelled, session.State())
	res, ok := session.Result()
	require.True(t, ok)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Err)
}
