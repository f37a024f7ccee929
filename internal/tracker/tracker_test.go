package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/gh"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// newTestAdapter points the adapter at a stub GitHub API. The enterprise
// client prefixes every request with /api/v3.
func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := gh.NewClient(context.Background(), config.Secret("test-token"), srv.URL)
	require.NoError(t, err)
	a, err := New(client, "fyrsmithlabs", "widget", 100, nil)
	require.NoError(t, err)
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEnsureIssueVerifiesExistingRef(t *testing.T) {
	var gets, creates int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues/42", func(w http.ResponseWriter, r *http.Request) {
		gets++
		writeJSON(w, http.StatusOK, map[string]any{"number": 42})
	})
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues", func(w http.ResponseWriter, r *http.Request) {
		creates++
		w.WriteHeader(http.StatusInternalServerError)
	})

	a := newTestAdapter(t, mux)
	ref, err := a.EnsureIssue(context.Background(), &task.Task{ID: "t1", IssueRef: "42"})
	require.NoError(t, err)
	assert.Equal(t, "42", ref)
	assert.Equal(t, 1, gets)
	assert.Equal(t, 0, creates, "a verified ref must not create anything")
}

func TestEnsureIssueFindsByMarkerLabel(t *testing.T) {
	var creates int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			creates++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Contains(t, r.URL.Query().Get("labels"), "taskgate:t1")
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, []map[string]any{{"number": 7}})
	})

	a := newTestAdapter(t, mux)
	ref, err := a.EnsureIssue(context.Background(), &task.Task{ID: "t1", Status: task.StatusReadyForImplementation})
	require.NoError(t, err)
	assert.Equal(t, "7", ref)
	assert.Equal(t, 0, creates, "a found issue must not be re-created")
}

func TestEnsureIssueCreatesWithLabels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		var req struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Add CSV export", req.Title)
		assert.Contains(t, req.Labels, "taskgate:t1")
		assert.Contains(t, req.Labels, "status: Ready for Implementation")
		writeJSON(w, http.StatusCreated, map[string]any{"number": 9})
	})

	a := newTestAdapter(t, mux)
	ref, err := a.EnsureIssue(context.Background(), &task.Task{
		ID:          "t1",
		Title:       "Add CSV export",
		Requirement: "Users need exports.",
		Status:      task.StatusReadyForImplementation,
	})
	require.NoError(t, err)
	assert.Equal(t, "9", ref)
}

func TestSyncStatusSkipsWhenAlreadyCurrent(t *testing.T) {
	var edits int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			edits++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 42,
			"state":  "open",
			"labels": []map[string]any{
				{"name": "taskgate:t1"},
				{"name": "status: In Progress"},
			},
		})
	})

	a := newTestAdapter(t, mux)
	err := a.SyncStatus(context.Background(), &task.Task{ID: "t1", IssueRef: "42"}, task.TrackerInProgress)
	require.NoError(t, err)
	assert.Equal(t, 0, edits, "matching status must be a no-op")
}

func TestSyncStatusReplacesLabelAndClosesAtDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{
				"number": 42,
				"state":  "open",
				"labels": []map[string]any{
					{"name": "taskgate:t1"},
					{"name": "status: In Review"},
					{"name": "bug"},
				},
			})
			return
		}
		var req struct {
			State  string    `json:"state"`
			Labels *[]string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "closed", req.State)
		require.NotNil(t, req.Labels)
		assert.ElementsMatch(t, []string{"taskgate:t1", "bug", "status: Done"}, *req.Labels)
		writeJSON(w, http.StatusOK, map[string]any{"number": 42})
	})

	a := newTestAdapter(t, mux)
	err := a.SyncStatus(context.Background(), &task.Task{ID: "t1", IssueRef: "42"}, task.TrackerDone)
	require.NoError(t, err)
}

func TestSyncStatusRequiresIssue(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	err := a.SyncStatus(context.Background(), &task.Task{ID: "t1"}, task.TrackerInProgress)
	assert.Error(t, err)
}

func TestPostComment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Body string `json:"body"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "handover prepared", req.Body)
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	})

	a := newTestAdapter(t, mux)
	err := a.PostComment(context.Background(), &task.Task{ID: "t1", IssueRef: "#42"}, "handover prepared")
	require.NoError(t, err)
}

func TestParseIssueRef(t *testing.T) {
	num, err := parseIssueRef("#42")
	require.NoError(t, err)
	assert.Equal(t, 42, num)

	num, err = parseIssueRef("42")
	require.NoError(t, err)
	assert.Equal(t, 42, num)

	_, err = parseIssueRef("abc")
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "o", "r", 5, nil)
	assert.Error(t, err)

	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()
	client, err := gh.NewClient(context.Background(), config.Secret("x"), srv.URL)
	require.NoError(t, err)

	_, err = New(client, "", "r", 5, nil)
	assert.Error(t, err)

	a, err := New(client, "o", "r", 0, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
}
