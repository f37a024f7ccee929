package vcs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/gh"
	"github.com/fyrsmithlabs/taskgate/internal/task"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := gh.NewClient(context.Background(), config.Secret("test-token"), srv.URL)
	require.NoError(t, err)
	a, err := New(client, "fyrsmithlabs", "widget", "main", nil, 100, nil)
	require.NoError(t, err)
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEnsureBranchExisting(t *testing.T) {
	var creates int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/task/t1-export",
			"object": map[string]any{"sha": "cafed00d"},
		})
	})
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/git/refs", func(w http.ResponseWriter, r *http.Request) {
		creates++
		w.WriteHeader(http.StatusInternalServerError)
	})

	a := newTestAdapter(t, mux)
	ref, err := a.EnsureBranch(context.Background(), &task.Task{ID: "t1", BranchRef: "task/t1-export"})
	require.NoError(t, err)
	assert.Equal(t, "task/t1-export", ref)
	assert.Equal(t, 0, creates, "an existing branch must not be re-created")
}

func TestEnsureBranchCreatesFromBase(t *testing.T) {
	var created bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/git/ref/heads/main") {
			writeJSON(w, http.StatusOK, map[string]any{
				"ref":    "refs/heads/main",
				"object": map[string]any{"sha": "ba5eba11"},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, strings.HasPrefix(req.Ref, "refs/heads/task/"))
		assert.Equal(t, "ba5eba11", req.SHA)
		created = true
		writeJSON(w, http.StatusCreated, map[string]any{"ref": req.Ref})
	})

	a := newTestAdapter(t, mux)
	ref, err := a.EnsureBranch(context.Background(), &task.Task{
		ID:    "4f1c2a9b-0000-0000-0000-000000000000",
		Title: "Add CSV export",
	})
	require.NoError(t, err)
	assert.Equal(t, "task/4f1c2a9b-add-csv-export", ref)
	assert.True(t, created)
}

func TestOpenChangeRequestFindsExisting(t *testing.T) {
	var creates int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			creates++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "fyrsmithlabs:task/t1-export", r.URL.Query().Get("head"))
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, []map[string]any{{"number": 7}})
	})

	a := newTestAdapter(t, mux)
	ref, err := a.OpenChangeRequest(context.Background(), &task.Task{ID: "t1", BranchRef: "task/t1-export"})
	require.NoError(t, err)
	assert.Equal(t, "7", ref)
	assert.Equal(t, 0, creates, "a found change request must not be re-opened")
}

func TestOpenChangeRequestCreates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		var req struct {
			Title string `json:"title"`
			Head  string `json:"head"`
			Base  string `json:"base"`
			Body  string `json:"body"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Add CSV export", req.Title)
		assert.Equal(t, "task/t1-export", req.Head)
		assert.Equal(t, "main", req.Base)
		assert.Contains(t, req.Body, "Closes #101")
		writeJSON(w, http.StatusCreated, map[string]any{"number": 8})
	})

	a := newTestAdapter(t, mux)
	ref, err := a.OpenChangeRequest(context.Background(), &task.Task{
		ID:          "t1",
		Title:       "Add CSV export",
		Requirement: "Users need exports.",
		BranchRef:   "task/t1-export",
		IssueRef:    "101",
	})
	require.NoError(t, err)
	assert.Equal(t, "8", ref)
}

func TestOpenChangeRequestRequiresBranch(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	_, err := a.OpenChangeRequest(context.Background(), &task.Task{ID: "t1"})
	assert.Error(t, err)
}

func TestMergeChangeRequestAlreadyMerged(t *testing.T) {
	var merges int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number":           7,
			"merged":           true,
			"merge_commit_sha": "abc123",
		})
	})
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		merges++
		w.WriteHeader(http.StatusInternalServerError)
	})

	a := newTestAdapter(t, mux)
	sha, err := a.MergeChangeRequest(context.Background(), &task.Task{ID: "t1", ChangeRequestRef: "7"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
	assert.Equal(t, 0, merges, "an already-merged change request must not be merged again")
}

func TestMergeChangeRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"number": 7, "merged": false})
	})
	mux.HandleFunc("/api/v3/repos/fyrsmithlabs/widget/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		writeJSON(w, http.StatusOK, map[string]any{"sha": "fee1dead", "merged": true})
	})

	a := newTestAdapter(t, mux)
	sha, err := a.MergeChangeRequest(context.Background(), &task.Task{ID: "t1", ChangeRequestRef: "7"})
	require.NoError(t, err)
	assert.Equal(t, "fee1dead", sha)
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		id    string
		title string
		want  string
	}{
		{"4f1c2a9b-0000", "Add CSV export", "task/4f1c2a9b-add-csv-export"},
		{"short", "Fix!!", "task/short-fix"},
		{"4f1c2a9b-0000", "", "task/4f1c2a9b-task"},
		{
			"4f1c2a9b-0000",
			"A very long title that should be truncated somewhere sensible indeed",
			"task/4f1c2a9b-a-very-long-title-that-should-be-truncat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := BranchName(&task.Task{ID: tt.id, Title: tt.title})
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), len("task/")+8+1+40)
		})
	}
}

func TestOpenLocalNotARepository(t *testing.T) {
	local, err := OpenLocal(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, local)
}
