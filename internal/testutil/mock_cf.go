// Package testutil provides test helpers: a scripted mock platform API
// server and fake clocks.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockResponse is a canned answer for SetResponse.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// JobScript drives a mock job. Each status read returns the next state and
// the last state repeats once the script is used up. States use v3 names
// (PROCESSING, COMPLETE, FAILED); v2 reads translate them.
type JobScript struct {
	States []string

	// Error document reported while FAILED
	Code        int
	ErrorCode   string
	Description string
}

type mockJob struct {
	script JobScript
	polls  int
}

type mockApp struct {
	name          string
	states        []string
	polls         int
	failureReason string
}

type injectedError struct {
	prefix string
	status int
	left   int
}

// MockCF is a configurable mock platform API server. It serves v2 and v3
// paginated collections, v2 and v3 jobs, v2 application staging state, async
// deletes and service broker registration.
type MockCF struct {
	server *httptest.Server

	mu          sync.RWMutex
	handlers    map[string]http.HandlerFunc
	jobs        map[string]*mockJob
	apps        map[string]*mockApp
	collections map[string][]map[string]any
	injected    []*injectedError

	// RateLimitRemaining is reported in X-RateLimit-Remaining. A negative
	// value omits the quota headers.
	RateLimitRemaining int

	// DeleteJob is the script used for jobs created by async deletes.
	DeleteJob JobScript

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	Requests          []string
}

// NewMockCF starts a mock server.
func NewMockCF() *MockCF {
	m := &MockCF{
		handlers:           make(map[string]http.HandlerFunc),
		jobs:               make(map[string]*mockJob),
		apps:               make(map[string]*mockApp),
		collections:        make(map[string][]map[string]any),
		RateLimitRemaining: 9999,
		DeleteJob:          JobScript{States: []string{"PROCESSING", "COMPLETE"}},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server root.
func (m *MockCF) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MockCF) Close() {
	m.server.Close()
}

// Reset clears the tracking counters.
func (m *MockCF) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.Requests = nil
}

// SetHandler overrides the handler for an exact path.
func (m *MockCF) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for an exact path.
func (m *MockCF) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// InjectErrors answers the next count requests whose path starts with
// prefix with status and a platform error document.
func (m *MockCF) InjectErrors(prefix string, status, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, &injectedError{prefix: prefix, status: status, left: count})
}

// AddJob registers a job and returns its GUID. The same GUID answers on
// /v2/jobs and /v3/jobs.
func (m *MockCF) AddJob(script JobScript) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = &mockJob{script: script}
	return id
}

// JobPolls returns how often the job's status was read.
func (m *MockCF) JobPolls(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[id]; ok {
		return j.polls
	}
	return 0
}

// AddApp registers a v2 application whose package_state follows states.
// A FAILED state reports failureReason.
func (m *MockCF) AddApp(name, failureReason string, states ...string) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[id] = &mockApp{name: name, states: states, failureReason: failureReason}
	return id
}

// SetCollection sets the resources of a collection path such as
// "/v3/domains" or "/v2/routes". Resources without a guid get one.
func (m *MockCF) SetCollection(path string, resources ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		if _, ok := r["guid"]; !ok {
			r["guid"] = uuid.NewString()
		}
	}
	m.collections[path] = resources
}

// Collection returns the current resources of a collection path.
func (m *MockCF) Collection(path string) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]map[string]any(nil), m.collections[path]...)
}

// GetRequestCount returns the number of requests served.
func (m *MockCF) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests served.
func (m *MockCF) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

func (m *MockCF) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.Requests = append(m.Requests, r.Method+" "+r.URL.RequestURI())
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.ConditionalCount++
	}
	handler, custom := m.handlers[r.URL.Path]
	injected := m.takeInjected(r.URL.Path)
	remaining := m.RateLimitRemaining
	m.mu.Unlock()

	if remaining >= 0 {
		w.Header().Set("X-RateLimit-Limit", "10000")
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	}

	if injected != 0 {
		writeError(w, r, injected, 10001, "CF-InjectedFailure", "injected failure")
		return
	}
	if custom {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[1] == "jobs" && r.Method == http.MethodGet:
		m.serveJob(w, r, parts[0], parts[2])
	case len(parts) == 3 && parts[0] == "v2" && parts[1] == "apps" && r.Method == http.MethodGet:
		m.serveApp(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v2" && r.Method == http.MethodDelete:
		m.serveDelete(w, r, parts[1], parts[2])
	case len(parts) == 2 && r.URL.Path == "/v3/service_brokers" && r.Method == http.MethodPost:
		m.serveCreateBroker(w, r)
	case len(parts) == 2 && r.Method == http.MethodGet:
		m.serveCollection(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, 10000, "CF-NotFound", "Unknown request")
	}
}

// takeInjected must be called with m.mu held.
func (m *MockCF) takeInjected(path string) int {
	for _, inj := range m.injected {
		if inj.left > 0 && strings.HasPrefix(path, inj.prefix) {
			inj.left--
			return inj.status
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status, code int, title, detail string) {
	if strings.HasPrefix(r.URL.Path, "/v2/") {
		writeJSON(w, status, map[string]any{
			"code":        code,
			"description": detail,
			"error_code":  title,
		})
		return
	}
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{"code": code, "title": title, "detail": detail}},
	})
}

var v2JobStatus = map[string]string{
	"QUEUED":     "queued",
	"PROCESSING": "running",
	"POLLING":    "running",
	"COMPLETE":   "finished",
	"FAILED":     "failed",
}

func (m *MockCF) serveJob(w http.ResponseWriter, r *http.Request, version, id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	var state string
	if ok {
		states := j.script.States
		state = states[len(states)-1]
		if j.polls < len(states) {
			state = states[j.polls]
		}
		j.polls++
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, r, http.StatusNotFound, 10000, "CF-ResourceNotFound", "Job not found")
		return
	}

	if version == "v2" {
		entity := map[string]any{"guid": id, "status": v2JobStatus[state]}
		if state == "FAILED" {
			entity["error_details"] = map[string]any{
				"code":        j.script.Code,
				"description": j.script.Description,
				"error_code":  j.script.ErrorCode,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"metadata": map[string]any{"guid": id, "url": "/v2/jobs/" + id},
			"entity":   entity,
		})
		return
	}

	body := map[string]any{"guid": id, "operation": "mock.operation", "state": state, "errors": []any{}}
	if state == "FAILED" {
		body["errors"] = []map[string]any{{
			"code":   j.script.Code,
			"title":  j.script.ErrorCode,
			"detail": j.script.Description,
		}}
	}
	writeJSON(w, http.StatusOK, body)
}

func (m *MockCF) serveApp(w http.ResponseWriter, r *http.Request, id string) {
	m.mu.Lock()
	app, ok := m.apps[id]
	var state string
	if ok {
		state = app.states[len(app.states)-1]
		if app.polls < len(app.states) {
			state = app.states[app.polls]
		}
		app.polls++
	}
	m.mu.Unlock()

	if !ok {
		writeError(w, r, http.StatusNotFound, 100004, "CF-AppNotFound", "The app could not be found: "+id)
		return
	}

	entity := map[string]any{"name": app.name, "state": "STARTED", "package_state": state}
	if state == "FAILED" {
		entity["staging_failed_reason"] = app.failureReason
		entity["staging_failed_description"] = "staging failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": map[string]any{"guid": id, "url": "/v2/apps/" + id},
		"entity":   entity,
	})
}

func (m *MockCF) serveDelete(w http.ResponseWriter, r *http.Request, collection, id string) {
	m.mu.Lock()
	found := false
	for _, path := range []string{"/v2/" + collection, "/v3/" + collection} {
		resources := m.collections[path]
		for i, res := range resources {
			if res["guid"] == id {
				m.collections[path] = append(resources[:i:i], resources[i+1:]...)
				found = true
				break
			}
		}
	}
	m.mu.Unlock()

	if !found {
		writeError(w, r, http.StatusNotFound, 10000, "CF-NotFound", "Unknown resource "+id)
		return
	}

	if r.URL.Query().Get("async") != "true" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	jobID := m.AddJob(m.DeleteJob)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"metadata": map[string]any{"guid": jobID, "url": "/v2/jobs/" + jobID},
		"entity":   map[string]any{"guid": jobID, "status": "queued"},
	})
}

func (m *MockCF) serveCreateBroker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.URL == "" {
		writeError(w, r, http.StatusUnprocessableEntity, 10008, "CF-UnprocessableEntity", "name and url are required")
		return
	}

	m.mu.Lock()
	m.collections["/v3/service_brokers"] = append(m.collections["/v3/service_brokers"], map[string]any{
		"guid": uuid.NewString(),
		"name": body.Name,
		"url":  body.URL,
	})
	m.mu.Unlock()

	jobID := m.AddJob(JobScript{States: []string{"PROCESSING", "COMPLETE"}})
	w.Header().Set("Location", m.server.URL+"/v3/jobs/"+jobID)
	w.WriteHeader(http.StatusAccepted)
}

// collectionFilters maps v3 list filters to the resource field they match.
var collectionFilters = map[string]string{
	"names":              "name",
	"hosts":              "host",
	"organization_guids": "organization_guid",
}

func (m *MockCF) serveCollection(w http.ResponseWriter, r *http.Request, version string) {
	m.mu.RLock()
	resources, ok := m.collections[r.URL.Path]
	resources = append([]map[string]any(nil), resources...)
	m.mu.RUnlock()

	if !ok {
		writeError(w, r, http.StatusNotFound, 10000, "CF-NotFound", "Unknown request")
		return
	}

	query := r.URL.Query()
	for param, field := range collectionFilters {
		if v := query.Get(param); v != "" {
			resources = filterResources(resources, field, strings.Split(v, ","))
		}
	}

	perPageParam := "per_page"
	if version == "v2" {
		perPageParam = "results-per-page"
	}
	perPage := atoiDefault(query.Get(perPageParam), 50)
	page := atoiDefault(query.Get("page"), 1)
	total := len(resources)
	totalPages := (total + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}

	lo := min((page-1)*perPage, total)
	hi := min(lo+perPage, total)
	items := resources[lo:hi]

	pageURL := func(n int) string {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(n))
		return r.URL.Path + "?" + q.Encode()
	}

	if version == "v2" {
		wrapped := make([]map[string]any, 0, len(items))
		for _, res := range items {
			wrapped = append(wrapped, map[string]any{
				"metadata": map[string]any{"guid": res["guid"], "url": r.URL.Path + "/" + fmt.Sprint(res["guid"])},
				"entity":   res,
			})
		}
		var next any
		if page < totalPages {
			next = pageURL(page + 1)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_results": total,
			"total_pages":   totalPages,
			"next_url":      next,
			"resources":     wrapped,
		})
		return
	}

	var next any
	if page < totalPages {
		next = map[string]any{"href": m.server.URL + pageURL(page+1)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pagination": map[string]any{
			"total_results": total,
			"total_pages":   totalPages,
			"first":         map[string]any{"href": m.server.URL + pageURL(1)},
			"next":          next,
		},
		"resources": items,
	})
}

func filterResources(resources []map[string]any, field string, values []string) []map[string]any {
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[v] = true
	}
	var out []map[string]any
	for _, res := range resources {
		if want[fmt.Sprint(res[field])] {
			out = append(out, res)
		}
	}
	return out
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
