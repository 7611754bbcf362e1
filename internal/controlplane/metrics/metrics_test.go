package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubSource struct{ n int }

func (s stubSource) RunningTaskCount() (int, error) { return s.n, nil }
func (s stubSource) PendingCount() (int, error)     { return s.n, nil }
func (s stubSource) Count() (int, error)            { return s.n, nil }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestCountersAndGauges(t *testing.T) {
	src := stubSource{n: 4}
	c := NewCollector(src, src, src)

	c.JobSubmitted("command")
	c.JobSubmitted("command")
	c.TaskFinished("succeeded")

	body := scrape(t, c)
	for _, want := range []string{
		`opsplane_jobs_submitted_total{kind="command"} 2`,
		`opsplane_tasks_finished_total{status="succeeded"} 1`,
		`opsplane_tasks_running 4`,
		`opsplane_approvals_pending 4`,
		`opsplane_runners_registered 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestNilSourcesSkipGauges(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	body := scrape(t, c)
	if strings.Contains(body, "opsplane_tasks_running") {
		t.Errorf("gauge registered without a source")
	}
}
