// Package nomadtest provides an in-memory Nomad HTTP API for tests.
package nomadtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/nomad"
)

type job struct {
	nomad.Job
	// Statuses are returned by consecutive info calls, the last one sticks.
	statuses []string
	polls    int
}

func (j *job) status() string {
	if len(j.statuses) == 0 {
		return lo.FromPtr(j.Status)
	}
	return j.statuses[min(j.polls, len(j.statuses)-1)]
}

type failure struct {
	code    int
	message string
}

// Server fakes the job endpoints of a Nomad agent.
type Server struct {
	*httptest.Server

	mutex    sync.Mutex
	token    string
	statuses []string
	jobs     map[string]*job
	failures map[string]failure

	registered    []*nomad.Job
	deregistered  []string
	calls         map[string]int
	lastNamespace string
}

func NewServer() *Server {
	s := &Server{
		statuses: []string{nomad.StatusRunning},
		jobs:     make(map[string]*job),
		failures: make(map[string]failure),
		calls:    make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Put("/v1/jobs", s.handle("register", s.register))
	r.Post("/v1/jobs", s.handle("register", s.register))
	r.Get("/v1/jobs", s.handle("list", s.list))
	r.Get("/v1/job/{id}", s.handle("info", s.info))
	r.Delete("/v1/job/{id}", s.handle("deregister", s.deregister))

	s.Server = httptest.NewServer(r)
	return s
}

// RequireToken makes every request without the given token fail with 403.
func (s *Server) RequireToken(token string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.token = token
}

// SetStatuses sets the status sequence reported for jobs registered from now on.
func (s *Server) SetStatuses(statuses ...string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.statuses = statuses
}

// Fail makes an endpoint ("register", "list", "info", "deregister") answer with
// the given error. A zero code clears it.
func (s *Server) Fail(endpoint string, code int, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if code == 0 {
		delete(s.failures, endpoint)
		return
	}
	s.failures[endpoint] = failure{code: code, message: message}
}

// AddJob adds a job as if another client had registered it.
func (s *Server) AddJob(stub nomad.JobListStub) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.jobs[stub.ID] = &job{Job: nomad.Job{
		ID:        lo.ToPtr(stub.ID),
		Name:      lo.ToPtr(lo.Ternary(stub.Name != "", stub.Name, stub.ID)),
		Namespace: lo.ToPtr(stub.Namespace),
		Type:      lo.ToPtr(lo.Ternary(stub.Type != "", stub.Type, "batch")),
		Status:    lo.ToPtr(lo.Ternary(stub.Status != "", stub.Status, nomad.StatusRunning)),
		Meta:      stub.Meta,
	}}
}

// Purge removes a job without going through the API.
func (s *Server) Purge(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.jobs, id)
}

// Status returns the current status of a job, and false if it doesn't exist.
func (s *Server) Status(id string) (string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return j.status(), true
}

func (s *Server) Registered() []*nomad.Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]*nomad.Job(nil), s.registered...)
}

func (s *Server) Deregistered() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]string(nil), s.deregistered...)
}

// Calls returns the number of requests received by an endpoint.
func (s *Server) Calls(endpoint string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.calls[endpoint]
}

// LastNamespace returns the namespace query parameter of the last request.
func (s *Server) LastNamespace() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.lastNamespace
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		token := s.token
		s.mutex.Unlock()

		if token != "" && r.Header.Get("X-Nomad-Token") != token {
			http.Error(w, "Permission denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle runs h under the server lock, after counting the call and checking
// for an injected failure.
func (s *Server) handle(endpoint string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		s.calls[endpoint]++
		s.lastNamespace = r.URL.Query().Get("namespace")

		if f, ok := s.failures[endpoint]; ok {
			http.Error(w, f.message, f.code)
			return
		}
		h(w, r)
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Job *nomad.Job
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Job == nil {
		http.Error(w, "invalid job", http.StatusBadRequest)
		return
	}
	id := lo.FromPtr(req.Job.ID)
	if id == "" || len(req.Job.TaskGroups) == 0 {
		http.Error(w, "1 error occurred:\n\t* Missing job ID or task groups", http.StatusBadRequest)
		return
	}

	s.registered = append(s.registered, req.Job)
	s.jobs[id] = &job{
		Job:      *req.Job,
		statuses: append([]string(nil), s.statuses...),
	}

	writeJSON(w, nomad.RegisterResponse{EvalID: uuid.NewString(), JobModifyIndex: uint64(len(s.registered))})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ids := lo.Keys(s.jobs)
	sort.Strings(ids)

	stubs := lo.Map(ids, func(id string, _ int) nomad.JobListStub {
		j := s.jobs[id]
		stub := nomad.JobListStub{
			ID:        id,
			Name:      lo.FromPtr(j.Name),
			Namespace: lo.FromPtr(j.Namespace),
			Type:      lo.FromPtr(j.Type),
			Status:    j.status(),
		}
		if r.URL.Query().Get("meta") == "true" {
			stub.Meta = j.Meta
		}
		return stub
	})

	writeJSON(w, stubs)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	resp := j.Job
	resp.Status = lo.ToPtr(j.status())
	j.polls++

	writeJSON(w, resp)
}

func (s *Server) deregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.jobs[id]
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	j.statuses = nil
	j.Status = lo.ToPtr(nomad.StatusDead)
	s.deregistered = append(s.deregistered, id)

	writeJSON(w, nomadapi.JobDeregisterResponse{EvalID: uuid.NewString()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
