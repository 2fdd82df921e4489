package adapter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

func TestParseWorkflowResource(t *testing.T) {
	wf, err := adapter.ParseWorkflowResource("/repos/crs4/life_monitor/actions/workflows/main.yml")
	gt.NoError(t, err)
	gt.Equal(t, wf.Owner, "crs4")
	gt.Equal(t, wf.Repo, "life_monitor")
	gt.Equal(t, wf.Workflow, "main.yml")

	wf, err = adapter.ParseWorkflowResource("https://api.github.com/repos/o/r/actions/workflows/1234")
	gt.NoError(t, err)
	gt.Equal(t, wf.Workflow, "1234")

	for _, bad := range []string{"", "/repos/o/r", "/repos/o/r/actions/runs/1", "/users/o/r/actions/workflows/1"} {
		_, err := adapter.ParseWorkflowResource(bad)
		gt.True(t, errors.Is(err, domain.ErrSpecificationNotValid))
	}
}

func TestParseBuildID(t *testing.T) {
	run, attempt, err := adapter.ParseBuildID("123_2")
	gt.NoError(t, err)
	gt.Equal(t, run, int64(123))
	gt.Equal(t, attempt, 2)

	run, attempt, err = adapter.ParseBuildID("77")
	gt.NoError(t, err)
	gt.Equal(t, run, int64(77))
	gt.Equal(t, attempt, 0)

	for _, bad := range []string{"abc", "1_0", "1_x"} {
		_, _, err := adapter.ParseBuildID(bad)
		gt.True(t, errors.Is(err, domain.ErrEntityNotFound))
	}
}

func githubRun(id, number, attempt int, status, conclusion, branch, created string) map[string]any {
	c, _ := time.Parse(time.RFC3339, created)
	return map[string]any{
		"id":             id,
		"run_number":     number,
		"run_attempt":    attempt,
		"status":         status,
		"conclusion":     conclusion,
		"head_branch":    branch,
		"head_sha":       "sha-" + created,
		"html_url":       "https://github.com/o/r/actions/runs/" + created,
		"created_at":     c.Format(time.RFC3339),
		"run_started_at": c.Add(10 * time.Second).Format(time.RFC3339),
		"updated_at":     c.Add(5 * time.Minute).Format(time.RFC3339),
	}
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		gt.NoError(t, err)
		_, err = f.Write([]byte(content))
		gt.NoError(t, err)
	}
	gt.NoError(t, w.Close())
	return buf.Bytes()
}

func TestGitHubService(t *testing.T) {
	var (
		branchQuery  string
		createdQuery string
		rerun        string
		dispatchRef  string
	)
	archive := zipArchive(t, map[string]string{
		"2_test.txt":  "test;",
		"1_build.txt": "build;",
	})

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		gt.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux.HandleFunc("GET /rate_limit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"resources": map[string]any{}})
	})
	mux.HandleFunc("GET /repos/o/r/actions/workflows/ci.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		branchQuery = r.URL.Query().Get("branch")
		createdQuery = r.URL.Query().Get("created")
		runs := []map[string]any{
			githubRun(100, 8, 2, "completed", "failure", "main", "2024-01-02T00:00:00Z"),
			githubRun(99, 7, 1, "completed", "success", "main", "2024-01-01T00:00:00Z"),
		}
		switch r.URL.Query().Get("status") {
		case "success":
			runs = runs[1:]
		case "failure":
			runs = runs[:1]
		}
		writeJSON(w, map[string]any{"total_count": len(runs), "workflow_runs": runs})
	})
	mux.HandleFunc("GET /repos/o/r/actions/runs/100/attempts/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, githubRun(100, 8, 1, "completed", "success", "main", "2024-01-02T00:00:00Z"))
	})
	mux.HandleFunc("GET /repos/o/r/actions/runs/100/attempts/2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, githubRun(100, 8, 2, "completed", "failure", "main", "2024-01-02T00:00:00Z"))
	})
	mux.HandleFunc("GET /repos/o/r/actions/runs/55", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, githubRun(55, 3, 1, "queued", "", "dev", "2023-12-01T00:00:00Z"))
	})
	mux.HandleFunc("GET /repos/o/r/actions/runs/100/attempts/2/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/archive/100_2.zip")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("GET /archive/100_2.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	mux.HandleFunc("POST /repos/o/r/actions/runs/{id}/rerun", func(w http.ResponseWriter, r *http.Request) {
		rerun = r.PathValue("id")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": "r", "default_branch": "develop"})
	})
	mux.HandleFunc("POST /repos/o/r/actions/workflows/ci.yml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
		}
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		dispatchRef = body.Ref
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := newService(t, model.ServiceGitHub, server.URL, newDeps())
	instance := &model.TestInstance{ID: "inst-gh", Resource: "/repos/o/r/actions/workflows/ci.yml"}

	t.Run("check connection", func(t *testing.T) {
		ok, err := svc.CheckConnection(t.Context())
		gt.NoError(t, err)
		gt.True(t, ok)
	})

	t.Run("builds expand attempts", func(t *testing.T) {
		builds, err := svc.GetBuilds(t.Context(), instance, 10)
		gt.NoError(t, err)
		gt.Equal(t, len(builds), 3)
		gt.Equal(t, builds[0].ID, "100_2")
		gt.Equal(t, builds[0].Status, model.BuildStatusFailed)
		gt.Equal(t, builds[0].BuildNumber, int64(8))
		gt.Equal(t, builds[0].Duration, int64(300))
		gt.Equal(t, builds[1].ID, "100_1")
		gt.Equal(t, builds[1].Status, model.BuildStatusPassed)
		gt.Equal(t, builds[2].ID, "99_1")
	})

	t.Run("revision filter", func(t *testing.T) {
		rs, ok := svc.(interfaces.RevisionAwareService)
		gt.True(t, ok)

		from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		builds, err := rs.ListBuilds(t.Context(), instance, model.BuildFilter{
			Branch:      "main",
			CreatedFrom: &from,
			Limit:       10,
		})
		gt.NoError(t, err)
		gt.Equal(t, branchQuery, "main")
		gt.Equal(t, createdQuery, ">=2024-01-02T00:00:00Z")
		gt.Equal(t, len(builds), 2)
		for _, b := range builds {
			gt.True(t, !b.Created.Before(from))
		}
	})

	t.Run("last passed and failed", func(t *testing.T) {
		passed, err := svc.GetLastPassedBuild(t.Context(), instance)
		gt.NoError(t, err)
		gt.Equal(t, passed.ID, "99_1")

		failed, err := svc.GetLastFailedBuild(t.Context(), instance)
		gt.NoError(t, err)
		gt.Equal(t, failed.ID, "100_2")
	})

	t.Run("get build without attempt", func(t *testing.T) {
		b, err := svc.GetBuild(t.Context(), instance, "55")
		gt.NoError(t, err)
		gt.Equal(t, b.ID, "55_1")
		gt.Equal(t, b.Status, model.BuildStatusWaiting)
		gt.Equal(t, b.Result, model.BuildResultNone)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := svc.GetBuild(t.Context(), instance, "404_1")
		gt.True(t, errors.Is(err, domain.ErrEntityNotFound))
	})

	t.Run("log archive joined in name order", func(t *testing.T) {
		log, err := svc.GetBuildLog(t.Context(), instance, "100_2", 0, 0)
		gt.NoError(t, err)
		gt.Equal(t, log, "build;test;")

		log, err = svc.GetBuildLog(t.Context(), instance, "100_2", 6, 4)
		gt.NoError(t, err)
		gt.Equal(t, log, "test")
	})

	t.Run("rerun", func(t *testing.T) {
		ok, err := svc.StartBuild(t.Context(), instance, "100_2")
		gt.NoError(t, err)
		gt.True(t, ok)
		gt.Equal(t, rerun, "100")
	})

	t.Run("dispatch on default branch", func(t *testing.T) {
		ok, err := svc.StartBuild(t.Context(), instance, "")
		gt.NoError(t, err)
		gt.True(t, ok)
		gt.Equal(t, dispatchRef, "develop")
	})

	t.Run("instance link", func(t *testing.T) {
		gt.Equal(t, svc.InstanceLink(instance), server.URL+"/o/r/actions/workflows/ci.yml")
	})
}

func TestGitHubAuthorization(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer server.Close()

	deps := newDeps()
	deps.Tokens.Set(server.URL, model.Token{Type: "Bearer", Secret: "ghp_token"})
	svc := newService(t, model.ServiceGitHub, server.URL, deps)

	_, err := svc.GetLastBuild(t.Context(), &model.TestInstance{Resource: "/repos/o/r/actions/workflows/1"})
	gt.True(t, errors.Is(err, domain.ErrNotAuthorized))
	gt.Equal(t, auth, "Bearer ghp_token")
}
