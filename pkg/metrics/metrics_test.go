package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

func TestCollector(t *testing.T) {
	t.Run("nil collector is a no-op", func(t *testing.T) {
		var c *metrics.Collector
		c.BuildsFetched("jenkins", 3)
		c.CacheLookup("hit")
		c.JobFinished("check_last_build", time.Second, true)
	})

	t.Run("series are exported", func(t *testing.T) {
		c := metrics.New()
		c.BuildsFetched("github", 2)
		c.NotificationEmitted("BUILD_FAILED")
		c.JobFinished("check_workflows", 2*time.Second, false)

		srv := httptest.NewServer(c.Handler())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL)
		gt.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		gt.NoError(t, err)

		text := string(body)
		gt.True(t, strings.Contains(text, `lifemon_backend_builds_fetched_total{service="github"} 2`))
		gt.True(t, strings.Contains(text, `lifemon_notifications_emitted_total{event="BUILD_FAILED"} 1`))
		gt.True(t, strings.Contains(text, `lifemon_jobs_runs_total{job="check_workflows",result="failure"} 1`))
	})
}
