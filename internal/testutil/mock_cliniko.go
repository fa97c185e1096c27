// Package testutil provides testing utilities for the Cliniko client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
)

// MockResponse defines a scripted response for a mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCliniko is a configurable mock of the Cliniko API for testing.
// Patients are served from /v1/patients with page/per_page pagination and
// contacts from /v1/contacts/{id}.
type MockCliniko struct {
	server *httptest.Server
	mu     sync.Mutex

	patients []referrals.Patient
	contacts map[string]referrals.Contact

	// scripted responses are served before the default behavior
	scripted map[string][]MockResponse

	// AlwaysNext makes every patients page advertise a next page.
	AlwaysNext bool

	requests   map[string]int
	lastHeader http.Header
	callTimes  []time.Time
}

// NewMockCliniko creates a new mock Cliniko server.
func NewMockCliniko() *MockCliniko {
	mock := &MockCliniko{
		contacts: make(map[string]referrals.Contact),
		scripted: make(map[string][]MockResponse),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock API root, including the /v1 prefix.
func (m *MockCliniko) URL() string {
	return m.server.URL + "/v1"
}

// Close shuts down the mock server.
func (m *MockCliniko) Close() {
	m.server.Close()
}

// ContactURL returns the absolute link of the contact with the given id.
func (m *MockCliniko) ContactURL(id string) string {
	return m.URL() + "/contacts/" + id
}

// AddContact registers a contact under id.
func (m *MockCliniko) AddContact(id string, c referrals.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id] = c
}

// AddPatient registers a patient. A non-empty contactID links the patient
// to that contact as referring doctor. Ids are served as JSON strings, as
// the upstream does.
func (m *MockCliniko) AddPatient(id int64, contactID string) {
	p := referrals.Patient{ID: referrals.ID(strconv.FormatInt(id, 10)), FirstName: "Patient", LastName: strconv.FormatInt(id, 10)}
	if contactID != "" {
		p.ReferringDoctor = &referrals.Reference{}
		p.ReferringDoctor.Links.Self = m.ContactURL(contactID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients = append(m.patients, p)
}

// Script queues responses for a path (without query string). Queued
// responses are served in order before the default behavior resumes.
func (m *MockCliniko) Script(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[path] = append(m.scripted[path], responses...)
}

// RequestCount returns the number of requests made to path (without query
// string), or to all paths when path is empty.
func (m *MockCliniko) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path != "" {
		return m.requests[path]
	}
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockCliniko) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// CallTimes returns the arrival time of every request.
func (m *MockCliniko) CallTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.callTimes...)
}

func (m *MockCliniko) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.URL.Path]++
	m.lastHeader = r.Header.Clone()
	m.callTimes = append(m.callTimes, time.Now())

	var scripted *MockResponse
	if queue := m.scripted[r.URL.Path]; len(queue) > 0 {
		next := queue[0]
		m.scripted[r.URL.Path] = queue[1:]
		scripted = &next
	}
	m.mu.Unlock()

	if scripted != nil {
		writeScripted(w, *scripted)
		return
	}

	switch {
	case r.URL.Path == "/v1/patients":
		m.patientsHandler(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/contacts/"):
		m.contactHandler(w, strings.TrimPrefix(r.URL.Path, "/v1/contacts/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	}
}

func (m *MockCliniko) patientsHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)

	m.mu.Lock()
	all := m.patients
	alwaysNext := m.AlwaysNext
	m.mu.Unlock()

	start := (page - 1) * perPage
	end := start + perPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	resp := referrals.PatientsPage{
		Patients:     append([]referrals.Patient{}, all[start:end]...),
		TotalEntries: len(all),
	}
	if end < len(all) || alwaysNext {
		resp.Links.Next = fmt.Sprintf("%s/patients?page=%d&per_page=%d", m.URL(), page+1, perPage)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (m *MockCliniko) contactHandler(w http.ResponseWriter, id string) {
	m.mu.Lock()
	c, ok := m.contacts[id]
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "contact not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeScripted(w http.ResponseWriter, resp MockResponse) {
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
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "Too many requests"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewStatusResponse creates a response with the given status and JSON body.
func NewStatusResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
