package irida

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeIRIDA is an in-memory IRIDA REST API good enough for the client.
type fakeIRIDA struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	username  string
	password  string
	expiresIn int64
	nextID    int
	tokens    map[string]bool
	refreshes map[string]bool
	grants    []string
	rejected  int

	projects map[string]bool
	samples  map[string][]sample
	runs     map[string]*sequencingRun
	files    map[string]fakeFile
	statuses []string

	failures map[string][]int
}

type fakeFile struct {
	sampleID string
	name     string
	content  string
	params   fileParameters
}

func newFakeIRIDA(t *testing.T) *fakeIRIDA {
	t.Helper()
	f := &fakeIRIDA{
		t:         t,
		username:  "uploader",
		password:  "secret",
		expiresIn: 3600,
		tokens:    make(map[string]bool),
		refreshes: make(map[string]bool),
		projects:  map[string]bool{"1": true, "2": true},
		samples:   make(map[string][]sample),
		runs:      make(map[string]*sequencingRun),
		files:     make(map[string]fakeFile),
		failures:  make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/oauth/token", f.wrap("token", f.handleToken))
		r.Group(func(r chi.Router) {
			r.Use(f.requireToken)
			r.Post("/sequencingrun", f.wrap("create-run", f.handleCreateRun))
			r.Get("/sequencingrun", f.wrap("find-run", f.handleFindRun))
			r.Patch("/sequencingrun/{id}", f.wrap("patch-run", f.handlePatchRun))
			r.Get("/projects/{pid}/samples", f.wrap("list-samples", f.handleListSamples))
			r.Post("/projects/{pid}/samples", f.wrap("create-sample", f.handleCreateSample))
			r.Post("/projects/{pid}/samples/{sid}/pairs", f.wrap("pairs", f.handleFiles("file1", "file2")))
			r.Post("/projects/{pid}/samples/{sid}/sequenceFiles", f.wrap("sequence-files", f.handleFiles("file")))
		})
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIRIDA) config() Config {
	return Config{
		BaseURL:      f.srv.URL,
		Username:     f.username,
		Password:     f.password,
		ClientID:     "autoirida",
		ClientSecret: "client-secret",
	}
}

// failNext makes the next len(codes) calls to route answer with codes.
func (f *fakeIRIDA) failNext(route string, codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route] = append(f.failures[route], codes...)
}

func (f *fakeIRIDA) revokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]bool)
}

func (f *fakeIRIDA) seedRun(runID, status string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newIDLocked()
	f.runs[id] = &sequencingRun{Identifier: identifier(id), RunID: runID, UploadStatus: status}
	return id
}

func (f *fakeIRIDA) seedSample(projectID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newIDLocked()
	f.samples[projectID] = append(f.samples[projectID], sample{Identifier: identifier(id), SampleName: name})
	return id
}

func (f *fakeIRIDA) seedFile(sampleID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[sampleID+"/"+name] = fakeFile{sampleID: sampleID, name: name}
}

func (f *fakeIRIDA) runByRunID(runID string) *sequencingRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.RunID == runID {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (f *fakeIRIDA) fileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

func (f *fakeIRIDA) grantLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.grants...)
}

func (f *fakeIRIDA) statusLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *fakeIRIDA) newIDLocked() string {
	f.nextID++
	return fmt.Sprintf("%d", f.nextID)
}

func (f *fakeIRIDA) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var code int
		if pending := f.failures[route]; len(pending) > 0 {
			code = pending[0]
			f.failures[route] = pending[1:]
		}
		f.mu.Unlock()
		if code != 0 {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, fmt.Sprintf("injected %d", code), code)
			return
		}
		h(w, r)
	}
}

func (f *fakeIRIDA) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		ok := f.tokens[token]
		if !ok {
			f.rejected++
		}
		f.mu.Unlock()
		if !ok {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeIRIDA) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	grant := r.PostForm.Get("grant_type")
	f.grants = append(f.grants, grant)
	if r.PostForm.Get("client_id") != "autoirida" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	switch grant {
	case "password":
		if r.PostForm.Get("username") != f.username || r.PostForm.Get("password") != f.password {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		if !f.refreshes[r.PostForm.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	id := f.newIDLocked()
	access, refresh := "access-"+id, "refresh-"+id
	f.tokens[access] = true
	f.refreshes[refresh] = true
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		RefreshToken: refresh,
		ExpiresIn:    f.expiresIn,
	})
}

func (f *fakeIRIDA) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body runCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RunID == "" {
		http.Error(w, "bad run", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.runs {
		if existing.RunID == body.RunID {
			http.Error(w, "run exists", http.StatusConflict)
			return
		}
	}
	id := f.newIDLocked()
	run := &sequencingRun{Identifier: identifier(id), RunID: body.RunID, Fingerprint: body.Fingerprint}
	f.runs[id] = run
	writeJSON(w, http.StatusCreated, envelope[sequencingRun]{Resource: *run})
}

func (f *fakeIRIDA) handleFindRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.runs {
		if existing.RunID == runID {
			writeJSON(w, http.StatusOK, envelope[sequencingRun]{Resource: *existing})
			return
		}
	}
	http.NotFound(w, r)
}

func (f *fakeIRIDA) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad patch", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[chi.URLParam(r, "id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	run.UploadStatus = body["uploadStatus"]
	f.statuses = append(f.statuses, run.UploadStatus)
	writeJSON(w, http.StatusOK, envelope[sequencingRun]{Resource: *run})
}

func (f *fakeIRIDA) handleListSamples(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.projects[pid] {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, envelope[sampleList]{Resource: sampleList{Resources: f.samples[pid]}})
}

func (f *fakeIRIDA) handleCreateSample(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	var body sampleCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SampleName == "" {
		http.Error(w, "bad sample", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.projects[pid] {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}
	s := sample{Identifier: identifier(f.newIDLocked()), SampleName: body.SampleName}
	f.samples[pid] = append(f.samples[pid], s)
	writeJSON(w, http.StatusCreated, envelope[sample]{Resource: s})
}

func (f *fakeIRIDA) handleFiles(fields ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sid := chi.URLParam(r, "sid")

		var incoming []fakeFile
		for i, field := range fields {
			headers := r.MultipartForm.File[field]
			if len(headers) != 1 {
				http.Error(w, "missing "+field, http.StatusBadRequest)
				return
			}
			fh, err := headers[0].Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			content, _ := io.ReadAll(fh)
			_ = fh.Close()

			paramField := "parameters"
			if len(fields) > 1 {
				paramField = fmt.Sprintf("parameters%d", i+1)
			}
			var params fileParameters
			if err := json.Unmarshal([]byte(r.MultipartForm.Value[paramField][0]), &params); err != nil {
				http.Error(w, "bad "+paramField, http.StatusBadRequest)
				return
			}
			incoming = append(incoming, fakeFile{sampleID: sid, name: headers[0].Filename, content: string(content), params: params})
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		for _, in := range incoming {
			if _, ok := f.files[sid+"/"+in.name]; ok {
				http.Error(w, "file exists", http.StatusConflict)
				return
			}
		}
		for _, in := range incoming {
			f.files[sid+"/"+in.name] = in
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
