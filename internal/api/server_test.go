package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hunafi/framesnap/internal/config"
	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/quota"
	"github.com/Hunafi/framesnap/internal/scheduler"
)

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Engine) {
	t.Helper()
	runner := func(_ context.Context, item models.WorkItem, _ []byte) ([]byte, error) {
		return []byte("described " + item.ID), nil
	}
	engine := scheduler.NewEngine(scheduler.Config{
		ItemTimeout:    time.Second,
		MaxAttempts:    2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, nil, quota.NewTracker(quota.DefaultOptions()), runner, nil, nil)

	srv := New(config.Config{DefaultProfile: models.ProfileBalanced}, engine, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, engine
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func submitBatch(t *testing.T, ts *httptest.Server, n int) string {
	t.Helper()
	frames := make([]frameInput, n)
	for i := range frames {
		frames[i] = frameInput{
			ID:        fmt.Sprintf("frame-%02d", i),
			Data:      []byte(fmt.Sprintf("payload %02d", i)),
			Operation: "describe",
		}
	}
	resp := postJSON(t, ts.URL+"/batches", submitRequest{Frames: frames})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sub := decodeBody[submitResponse](t, resp)
	require.NotEmpty(t, sub.BatchID)
	return sub.BatchID
}

func TestSubmitAndProgress(t *testing.T) {
	ts, engine := newTestServer(t)

	id := submitBatch(t, ts, 3)
	b, ok := engine.Batch(id)
	require.True(t, ok)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}

	resp, err := http.Get(ts.URL + "/batches/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decodeBody[models.BatchProgress](t, resp)
	assert.Equal(t, models.BatchComplete, p.Phase)
	assert.Equal(t, 3, p.CompletedFrames)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/batches", submitRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/batches", submitRequest{
		Profile: "turbo",
		Frames:  []frameInput{{ID: "f", Data: []byte("x"), Operation: "describe"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownBatchIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/batches/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/batches/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestItemStateEndpoint(t *testing.T) {
	ts, engine := newTestServer(t)

	id := submitBatch(t, ts, 2)
	b, _ := engine.Batch(id)
	<-b.Done()

	resp, err := http.Get(ts.URL + "/batches/" + id + "/items/frame-00")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[models.ItemState](t, resp)
	assert.Equal(t, models.PhaseCompleted, st.Phase)

	resp, err = http.Get(ts.URL + "/batches/" + id + "/items/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPauseResumeStopEndpoints(t *testing.T) {
	ts, engine := newTestServer(t)

	id := submitBatch(t, ts, 2)
	for _, action := range []string{"pause", "resume", "stop"} {
		resp := postJSON(t, ts.URL+"/batches/"+id+"/"+action, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
		resp.Body.Close()
	}
	b, _ := engine.Batch(id)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not settle the batch")
	}
}

func TestRetryEndpointConflictsWhileRunning(t *testing.T) {
	ts, engine := newTestServer(t)

	id := submitBatch(t, ts, 2)
	b, _ := engine.Batch(id)
	<-b.Done()

	// No failed items: accepted as a no-op.
	resp := postJSON(t, ts.URL+"/batches/"+id+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestProfileEndpoint(t *testing.T) {
	ts, engine := newTestServer(t)

	id := submitBatch(t, ts, 2)
	b, _ := engine.Batch(id)
	<-b.Done()

	resp := postJSON(t, ts.URL+"/batches/"+id+"/profile", nil)
	// POST is not routed for profile updates.
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/batches/"+id+"/profile",
		bytes.NewReader([]byte(`{"profile":"aggressive"}`)))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, putResp.StatusCode)
	p := decodeBody[models.BatchProgress](t, putResp)
	assert.Equal(t, models.ProfileAggressive, p.Profile)
}

func TestQuotaAndCircuitEndpoints(t *testing.T) {
	ts, engine := newTestServer(t)

	resp, err := http.Get(ts.URL + "/quota")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decodeBody[quotaResponse](t, resp)
	assert.Equal(t, -1, q.Remaining, "no feedback yet means unknown")

	engine.Tracker().RecordFeedback(1234, time.Minute)
	resp, err = http.Get(ts.URL + "/quota")
	require.NoError(t, err)
	q = decodeBody[quotaResponse](t, resp)
	assert.Equal(t, 1234, q.Remaining)

	resp = postJSON(t, ts.URL+"/quota/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/circuit")
	require.NoError(t, err)
	st := decodeBody[models.CircuitState](t, resp)
	assert.False(t, st.IsOpen)

	resp = postJSON(t, ts.URL+"/circuit/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
