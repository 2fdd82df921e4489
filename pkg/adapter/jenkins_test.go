package adapter_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

func newJenkinsServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var posted []string
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		gt.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("GET /api/json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"mode": "NORMAL"})
	})
	mux.HandleFunc("GET /job/tests/api/json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"name":                "tests",
			"lastBuild":           map[string]any{"number": 12},
			"lastSuccessfulBuild": map[string]any{"number": 11},
			"lastFailedBuild":     nil,
			"builds": []map[string]any{
				{"number": 12}, {"number": 11}, {"number": 10},
			},
		})
	})
	builds := map[string]map[string]any{
		"12": {"number": 12, "building": true, "timestamp": 1700000200000, "duration": 0},
		"11": {
			"number": 11, "result": "SUCCESS", "timestamp": 1700000100000, "duration": 42000,
			"url": "https://ci.example.com/job/tests/11/",
			"actions": []map[string]any{
				{},
				{"lastBuiltRevision": map[string]any{
					"SHA1":   "abc123",
					"branch": []map[string]any{{"name": "origin/main"}},
				}},
			},
		},
		"10": {"number": 10, "result": "UNSTABLE", "timestamp": 1700000000000, "duration": 1000},
	}
	mux.HandleFunc("GET /job/tests/{num}/api/json", func(w http.ResponseWriter, r *http.Request) {
		b, ok := builds[r.PathValue("num")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, b)
	})
	mux.HandleFunc("GET /job/tests/{num}/consoleText", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Started by user\nRunning tests\nFinished: SUCCESS\n"))
	})
	mux.HandleFunc("POST /job/tests/build", func(w http.ResponseWriter, r *http.Request) {
		posted = append(posted, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &posted
}

func TestJenkinsService(t *testing.T) {
	server, posted := newJenkinsServer(t)
	svc := newService(t, model.ServiceJenkins, server.URL, newDeps())
	instance := &model.TestInstance{ID: "inst-1", Resource: "job/tests/"}

	t.Run("check connection", func(t *testing.T) {
		ok, err := svc.CheckConnection(t.Context())
		gt.NoError(t, err)
		gt.True(t, ok)
	})

	t.Run("last passed build is normalized", func(t *testing.T) {
		b, err := svc.GetLastPassedBuild(t.Context(), instance)
		gt.NoError(t, err)
		gt.Equal(t, b.ID, "11")
		gt.Equal(t, b.InstanceID, "inst-1")
		gt.Equal(t, b.Status, model.BuildStatusPassed)
		gt.Equal(t, b.Result, model.BuildResultSuccess)
		gt.Equal(t, b.Timestamp, int64(1700000100))
		gt.Equal(t, b.Duration, int64(42))
		gt.Equal(t, b.Revision, "abc123")
		gt.Equal(t, b.Branch, "main")
		gt.True(t, b.Created.Equal(time.UnixMilli(1700000100000)))
	})

	t.Run("no failed build", func(t *testing.T) {
		b, err := svc.GetLastFailedBuild(t.Context(), instance)
		gt.NoError(t, err)
		gt.Nil(t, b)
	})

	t.Run("builds newest first and truncated", func(t *testing.T) {
		builds, err := svc.GetBuilds(t.Context(), instance, 2)
		gt.NoError(t, err)
		gt.Equal(t, len(builds), 2)
		gt.Equal(t, builds[0].Status, model.BuildStatusRunning)
		gt.Equal(t, builds[0].Result, model.BuildResultNone)
		gt.Equal(t, builds[1].ID, "11")
	})

	t.Run("unknown result is an error build", func(t *testing.T) {
		b, err := svc.GetBuild(t.Context(), instance, "10")
		gt.NoError(t, err)
		gt.Equal(t, b.Status, model.BuildStatusError)
		gt.Equal(t, b.Result, model.BuildResultFailed)
	})

	t.Run("missing build", func(t *testing.T) {
		_, err := svc.GetBuild(t.Context(), instance, "99")
		gt.True(t, errors.Is(err, domain.ErrEntityNotFound))
	})

	t.Run("log slice", func(t *testing.T) {
		log, err := svc.GetBuildLog(t.Context(), instance, "11", 16, 13)
		gt.NoError(t, err)
		gt.Equal(t, log, "Running tests")
	})

	t.Run("start build", func(t *testing.T) {
		ok, err := svc.StartBuild(t.Context(), instance, "")
		gt.NoError(t, err)
		gt.True(t, ok)
		gt.Equal(t, *posted, []string{"/job/tests/build"})
	})

	t.Run("links", func(t *testing.T) {
		gt.Equal(t, svc.InstanceLink(instance), server.URL+"/job/tests")
	})
}

func TestJenkinsAuth(t *testing.T) {
	var user, pass string
	var bearer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		bearer = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	deps := newDeps()
	deps.Tokens.SetDefault(model.ServiceJenkins, model.Token{Type: "Basic", Secret: "bot:secret"})
	svc := newService(t, model.ServiceJenkins, server.URL, deps)

	ok, err := svc.CheckConnection(t.Context())
	gt.NoError(t, err)
	gt.False(t, ok)
	gt.Equal(t, user, "bot")
	gt.Equal(t, pass, "secret")

	deps.Tokens.Set(server.URL, model.Token{Secret: "api-token"})
	_, _ = svc.CheckConnection(t.Context())
	gt.Equal(t, bearer, "Bearer api-token")
}

func TestJenkinsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := newService(t, model.ServiceJenkins, server.URL, newDeps())
	ok, err := svc.CheckConnection(t.Context())
	gt.False(t, ok)
	gt.True(t, errors.Is(err, domain.ErrTestingService))
}

func TestJobName(t *testing.T) {
	name, err := adapter.JobName("/job/nightly-tests/")
	gt.NoError(t, err)
	gt.Equal(t, name, "nightly-tests")

	_, err = adapter.JobName("//")
	gt.True(t, errors.Is(err, domain.ErrSpecificationNotValid))
}
