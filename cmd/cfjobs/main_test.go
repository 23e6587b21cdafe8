package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cf-client/internal/config"
	"github.com/Sternrassler/cf-client/internal/testutil"
	"github.com/Sternrassler/cf-client/pkg/backoff"
	"github.com/Sternrassler/cf-client/pkg/client"
	"github.com/Sternrassler/cf-client/pkg/job"
)

// isolateEnv blanks every setting and shortens the backoff so that waits
// finish in milliseconds.
func isolateEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{
		config.EnvAPIURL, config.EnvToken, config.EnvUserAgent, config.EnvRedisURL,
		config.EnvRequestsPerSecond, config.EnvJobTimeout, config.EnvLogLevel,
		config.EnvLogPretty, config.EnvMetricsAddr,
	} {
		t.Setenv(key, "")
	}
	t.Setenv(config.EnvBackoffInitial, "10ms")
	t.Setenv(config.EnvBackoffMax, "40ms")
	return filepath.Join(t.TempDir(), "missing.env")
}

func runCLI(t *testing.T, mock *testutil.MockCF, args ...string) (string, error) {
	t.Helper()
	envFile := isolateEnv(t)

	global := []string{"--env-file", envFile, "--log-level", "disabled", "--token", "test-token"}
	if mock != nil {
		global = append(global, "--api", mock.URL())
	}

	var stdout bytes.Buffer
	err := execute(context.Background(), append(args, global...), &stdout, io.Discard)
	return stdout.String(), err
}

func decodeResult(t *testing.T, out string) result {
	t.Helper()
	var r result
	require.NoError(t, json.Unmarshal([]byte(out), &r), "output: %q", out)
	return r
}

func lines(out string) []string {
	return strings.Split(strings.TrimSpace(out), "\n")
}

func TestWait_Succeeds(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	id := mock.AddJob(testutil.JobScript{States: []string{"PROCESSING", "PROCESSING", "COMPLETE"}})

	out, err := runCLI(t, mock, "wait", id)
	require.NoError(t, err)

	r := decodeResult(t, out)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, job.OutcomeSucceeded, r.Outcome)
	assert.Empty(t, r.Error)
	assert.Equal(t, 3, mock.JobPolls(id))
	assert.Equal(t, "Bearer test-token", mock.LastRequestHeader.Get("Authorization"))
	assert.Equal(t, config.DefaultUserAgent, mock.LastRequestHeader.Get("User-Agent"))
}

func TestWait_Failed(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	id := mock.AddJob(testutil.JobScript{
		States:      []string{"FAILED"},
		Code:        10008,
		ErrorCode:   "CF-UnprocessableEntity",
		Description: "route in use",
	})

	out, err := runCLI(t, mock, "wait", id)
	require.Error(t, err)
	assert.Equal(t, exitFailed, exitCode(err))

	r := decodeResult(t, out)
	assert.Equal(t, job.OutcomeFailed, r.Outcome)
	assert.Contains(t, r.Error, "route in use")
}

func TestWait_Timeout(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	id := mock.AddJob(testutil.JobScript{States: []string{"PROCESSING"}})

	out, err := runCLI(t, mock, "wait", id, "--timeout", "60ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrTimeout)
	assert.Equal(t, exitTimeout, exitCode(err))
	assert.Equal(t, job.OutcomeTimedOut, decodeResult(t, out).Outcome)
}

func TestWait_V2(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	id := mock.AddJob(testutil.JobScript{States: []string{"PROCESSING", "COMPLETE"}})

	_, err := runCLI(t, mock, "wait", id, "--v2")
	require.NoError(t, err)
	assert.Contains(t, mock.Requests[0], "/v2/jobs/"+id)
}

func TestWait_RequiresArgument(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()

	_, err := runCLI(t, mock, "wait")
	require.Error(t, err)
	assert.Zero(t, mock.GetRequestCount())
}

func TestWaitStaged(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()

	staged := mock.AddApp("web", "", client.PackageStatePending, client.PackageStateStaged)
	out, err := runCLI(t, mock, "wait-staged", staged)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSucceeded, decodeResult(t, out).Outcome)

	failed := mock.AddApp("worker", "BuildpackCompileFailed", client.PackageStateFailed)
	out, err = runCLI(t, mock, "wait-staged", failed)
	require.Error(t, err)
	assert.Equal(t, exitFailed, exitCode(err))
	r := decodeResult(t, out)
	assert.Equal(t, job.OutcomeFailed, r.Outcome)
	assert.Contains(t, r.Error, "BuildpackCompileFailed")
}

func TestList_V3(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	var domains []map[string]any
	for i := range 5 {
		domains = append(domains, map[string]any{"name": fmt.Sprintf("d%d.example.com", i)})
	}
	mock.SetCollection("/v3/domains", domains...)

	out, err := runCLI(t, mock, "list", "/v3/domains", "--filter", "per_page=2")
	require.NoError(t, err)

	got := lines(out)
	require.Len(t, got, 5)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0]), &first))
	assert.Equal(t, "d0.example.com", first["name"])
	assert.Equal(t, 3, mock.GetRequestCount())
}

func TestList_Single(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	mock.SetCollection("/v3/domains",
		map[string]any{"name": "a.example.com"},
		map[string]any{"name": "b.example.com"},
	)

	out, err := runCLI(t, mock, "list", "/v3/domains", "--filter", "names=b.example.com", "--single")
	require.NoError(t, err)
	assert.Contains(t, out, `"name":"b.example.com"`)

	_, err = runCLI(t, mock, "list", "/v3/domains", "--single")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list /v3/domains")
}

func TestList_V2Parallel(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	var routes []map[string]any
	for i := range 7 {
		routes = append(routes, map[string]any{"host": fmt.Sprintf("h%d", i)})
	}
	mock.SetCollection("/v2/routes", routes...)

	out, err := runCLI(t, mock, "list", "/v2/routes", "--v2", "--parallel", "3", "--filter", "results-per-page=2")
	require.NoError(t, err)

	got := lines(out)
	require.Len(t, got, 7)
	for i, line := range got {
		var res client.V2Resource[map[string]any]
		require.NoError(t, json.Unmarshal([]byte(line), &res))
		assert.Equal(t, fmt.Sprintf("h%d", i), res.Entity["host"])
		assert.NotEmpty(t, res.Metadata.GUID)
	}
}

func TestList_V2Sequential(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	mock.SetCollection("/v2/routes", map[string]any{"host": "a"}, map[string]any{"host": "b"})

	out, err := runCLI(t, mock, "list", "/v2/routes", "--v2")
	require.NoError(t, err)
	assert.Len(t, lines(out), 2)
}

func TestList_InvalidFlags(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()

	_, err := runCLI(t, mock, "list", "/v3/domains", "--parallel", "2")
	assert.ErrorContains(t, err, "--parallel needs --v2")

	_, err = runCLI(t, mock, "list", "/v3/domains", "--filter", "names")
	assert.ErrorContains(t, err, `invalid filter "names"`)

	assert.Zero(t, mock.GetRequestCount())
}

func TestDelete(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	mock.SetCollection("/v2/routes", map[string]any{"guid": "route-1", "host": "www"})

	out, err := runCLI(t, mock, "delete", "route", "route-1")
	require.NoError(t, err)

	r := decodeResult(t, out)
	assert.Equal(t, job.OutcomeSucceeded, r.Outcome)
	assert.NotEqual(t, "route-1", r.ID, "result names the delete job")
	assert.Equal(t, 2, mock.JobPolls(r.ID))
	assert.Empty(t, mock.Collection("/v2/routes"))
}

func TestDelete_NoWait(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	mock.SetCollection("/v2/domains", map[string]any{"guid": "domain-1", "name": "apps.example.com"})

	out, err := runCLI(t, mock, "delete", "domain", "domain-1", "--no-wait")
	require.NoError(t, err)
	res := decodeResult(t, out)
	assert.Equal(t, outcomeAccepted, res.Outcome)
	assert.Empty(t, res.Error)
	assert.Zero(t, mock.JobPolls(res.ID))
}

func TestDelete_UnknownKind(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()

	_, err := runCLI(t, mock, "delete", "space", "space-1")
	assert.ErrorContains(t, err, `unknown kind "space" (want one of domain, route, service-broker)`)
}

func TestSetup_RequiresAPI(t *testing.T) {
	_, err := runCLI(t, nil, "wait", "job-1")
	assert.EqualError(t, err, "CF_API_URL is required")
}

func TestSetup_MetricsServer(t *testing.T) {
	mock := testutil.NewMockCF()
	defer mock.Close()
	id := mock.AddJob(testutil.JobScript{States: []string{"COMPLETE"}})

	_, err := runCLI(t, mock, "wait", id, "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"failed job", fmt.Errorf("wait: %w", &job.FailedError{JobID: "j"}), exitFailed},
		{"staging failed", &client.StagingFailedError{AppID: "a"}, exitFailed},
		{"job timeout", fmt.Errorf("%w: job j", job.ErrTimeout), exitTimeout},
		{"staging timeout", fmt.Errorf("application a: %w", backoff.ErrTimeout), exitTimeout},
		{"cancelled", context.Canceled, exitError},
		{"other", errors.New("boom"), exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
