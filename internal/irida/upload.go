package irida

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/autoirida/internal/parser"
)

// Upload statuses of an IRIDA sequencing run.
const (
	RunStatusUploading = "UPLOADING"
	RunStatusComplete  = "COMPLETE"
	RunStatusError     = "ERROR"
)

// Result summarises a confirmed upload.
type Result struct {
	RunIdentifier   string
	AlreadyExists   bool
	SamplesUploaded int
	FilesUploaded   int
	FilesSkipped    int
}

// identifier accepts both the string and numeric ids IRIDA emits.
type identifier string

func (id *identifier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = identifier(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier: %w", err)
	}
	*id = identifier(n.String())
	return nil
}

type envelope[T any] struct {
	Resource T `json:"resource"`
}

type sequencingRun struct {
	Identifier   identifier `json:"identifier"`
	RunID        string     `json:"runId"`
	UploadStatus string     `json:"uploadStatus"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
}

type runCreate struct {
	RunID       string            `json:"runId"`
	Parser      string            `json:"parser"`
	Fingerprint string            `json:"fingerprint"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type sample struct {
	Identifier identifier `json:"identifier"`
	SampleName string     `json:"sampleName"`
}

type sampleList struct {
	Resources []sample `json:"resources"`
}

type sampleCreate struct {
	SampleName        string `json:"sampleName"`
	SequencerSampleID string `json:"sequencerSampleId"`
}

type fileParameters struct {
	SequencingRunID string `json:"sequencingRunId"`
	MD5             string `json:"md5,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// Upload pushes m to IRIDA and returns once the run is flagged COMPLETE.
// A run the server already holds as COMPLETE is reported with AlreadyExists
// and no files are sent.
func (c *Client) Upload(ctx context.Context, sess *Session, m *parser.Manifest) (Result, error) {
	if sess == nil {
		return Result{}, fmt.Errorf("%w: upload: no session", ErrAuth)
	}
	if m == nil || m.RunID == "" {
		return Result{}, fmt.Errorf("%w: upload: empty manifest", ErrPermanent)
	}
	logger := c.logger.With("run_id", m.RunID)

	run, existed, err := c.registerRun(ctx, sess, m)
	if err != nil {
		return Result{}, err
	}
	res := Result{RunIdentifier: string(run.Identifier)}
	if existed && run.UploadStatus == RunStatusComplete {
		logger.Info("run already complete on server", "identifier", res.RunIdentifier)
		res.AlreadyExists = true
		return res, nil
	}

	if err := c.setRunStatus(ctx, sess, run.Identifier, RunStatusUploading); err != nil {
		return res, err
	}

	for _, s := range m.Samples {
		uploaded, skipped, err := c.uploadSample(ctx, sess, run.Identifier, m.Fingerprint, s)
		res.FilesUploaded += uploaded
		res.FilesSkipped += skipped
		if err != nil {
			c.markRunError(ctx, sess, run.Identifier, logger)
			return res, fmt.Errorf("sample %s: %w", s.Name, err)
		}
		res.SamplesUploaded++
	}

	if err := c.setRunStatus(ctx, sess, run.Identifier, RunStatusComplete); err != nil {
		return res, err
	}
	logger.Info("run upload confirmed",
		"identifier", res.RunIdentifier,
		"samples", res.SamplesUploaded,
		"files_uploaded", res.FilesUploaded,
		"files_skipped", res.FilesSkipped,
	)
	return res, nil
}

// registerRun creates the sequencing run or, on conflict, looks up the one
// the server already has.
func (c *Client) registerRun(ctx context.Context, sess *Session, m *parser.Manifest) (sequencingRun, bool, error) {
	body := runCreate{RunID: m.RunID, Parser: m.Parser, Fingerprint: m.Fingerprint, Metadata: m.Metadata}
	var created envelope[sequencingRun]
	code, err := c.doJSON(ctx, sess, "create sequencing run", http.MethodPost, c.url("/sequencingrun"), body, &created, http.StatusConflict)
	if err != nil {
		return sequencingRun{}, false, err
	}
	if code != http.StatusConflict {
		if created.Resource.Identifier == "" {
			return sequencingRun{}, false, fmt.Errorf("%w: create sequencing run: response has no identifier", ErrTransient)
		}
		return created.Resource, false, nil
	}

	var found envelope[sequencingRun]
	lookup := c.url("/sequencingrun") + "?" + url.Values{"runId": {m.RunID}}.Encode()
	if _, err := c.doJSON(ctx, sess, "find sequencing run", http.MethodGet, lookup, nil, &found); err != nil {
		return sequencingRun{}, true, err
	}
	if found.Resource.Identifier == "" {
		return sequencingRun{}, true, fmt.Errorf("%w: find sequencing run: server reported a conflict but returned no run", ErrTransient)
	}
	return found.Resource, true, nil
}

func (c *Client) setRunStatus(ctx context.Context, sess *Session, id identifier, status string) error {
	op := "set run status " + strings.ToLower(status)
	_, err := c.doJSON(ctx, sess, op, http.MethodPatch, c.url("/sequencingrun/"+url.PathEscape(string(id))),
		map[string]string{"uploadStatus": status}, nil)
	return err
}

// markRunError is best effort. The caller already has the error that matters.
func (c *Client) markRunError(ctx context.Context, sess *Session, id identifier, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := c.setRunStatus(ctx, sess, id, RunStatusError); err != nil {
		logger.Warn("failed to flag run as errored", "error", err)
	}
}

func (c *Client) uploadSample(ctx context.Context, sess *Session, runID identifier, fingerprint string, s parser.Sample) (int, int, error) {
	if s.ProjectID == "" {
		return 0, 0, fmt.Errorf("%w: sample has no project id", ErrPermanent)
	}
	sampleID, err := c.ensureSample(ctx, sess, s)
	if err != nil {
		return 0, 0, err
	}

	base := c.url("/projects/" + url.PathEscape(s.ProjectID) + "/samples/" + url.PathEscape(string(sampleID)))
	params := func(f parser.File) fileParameters {
		return fileParameters{SequencingRunID: string(runID), MD5: f.MD5, Fingerprint: fingerprint}
	}

	switch len(s.Files) {
	case 0:
		return 0, 0, nil
	case 2:
		parts := []filePart{
			{field: "file1", paramField: "parameters1", file: s.Files[0], params: params(s.Files[0])},
			{field: "file2", paramField: "parameters2", file: s.Files[1], params: params(s.Files[1])},
		}
		sent, err := c.postFiles(ctx, sess, "upload read pair", base+"/pairs", parts)
		if err != nil {
			return 0, 0, err
		}
		if !sent {
			return 0, 2, nil
		}
		return 2, 0, nil
	default:
		var uploaded, skipped int
		for _, f := range s.Files {
			parts := []filePart{{field: "file", paramField: "parameters", file: f, params: params(f)}}
			sent, err := c.postFiles(ctx, sess, "upload sequence file", base+"/sequenceFiles", parts)
			if err != nil {
				return uploaded, skipped, err
			}
			if sent {
				uploaded++
			} else {
				skipped++
			}
		}
		return uploaded, skipped, nil
	}
}

// ensureSample returns the id of the project's sample named s.Name,
// creating it when missing.
func (c *Client) ensureSample(ctx context.Context, sess *Session, s parser.Sample) (identifier, error) {
	samplesURL := c.url("/projects/" + url.PathEscape(s.ProjectID) + "/samples")

	find := func() (identifier, error) {
		var list envelope[sampleList]
		if _, err := c.doJSON(ctx, sess, "list project samples", http.MethodGet, samplesURL, nil, &list); err != nil {
			return "", err
		}
		for _, existing := range list.Resource.Resources {
			if existing.SampleName == s.Name {
				return existing.Identifier, nil
			}
		}
		return "", nil
	}

	id, err := find()
	if err != nil || id != "" {
		return id, err
	}

	var created envelope[sample]
	code, err := c.doJSON(ctx, sess, "create sample", http.MethodPost, samplesURL,
		sampleCreate{SampleName: s.Name, SequencerSampleID: s.Name}, &created, http.StatusConflict)
	if err != nil {
		return "", err
	}
	if code == http.StatusConflict {
		// Created concurrently by someone else.
		if id, err = find(); err != nil || id != "" {
			return id, err
		}
		return "", fmt.Errorf("%w: create sample: conflict but sample not listed", ErrTransient)
	}
	if created.Resource.Identifier == "" {
		return "", fmt.Errorf("%w: create sample: response has no identifier", ErrTransient)
	}
	return created.Resource.Identifier, nil
}

type filePart struct {
	field      string
	paramField string
	file       parser.File
	params     fileParameters
}

// postFiles streams parts as one multipart request. It reports false when
// the server already holds the files.
func (c *Client) postFiles(ctx context.Context, sess *Session, op, target string, parts []filePart) (bool, error) {
	for _, p := range parts {
		if _, err := os.Stat(p.file.Path); err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
		}
	}

	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stall := watchStall(c.cfg.HTTPTimeout, func() { cancel(errUploadStalled) })

	resp, err := c.do(ctx, c.stream, sess, op, func(ctx context.Context) (*http.Request, error) {
		stall.touch()
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeParts(mw, parts, stall.touch))
		}()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
		if err != nil {
			_ = pr.CloseWithError(err)
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	stall.stop()
	if err != nil {
		if parent.Err() == nil && errors.Is(context.Cause(ctx), errUploadStalled) {
			return false, fmt.Errorf("%w: %s: %w", ErrTransient, op, errUploadStalled)
		}
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("server already holds files", "op", op, "target", target)
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, statusError(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return true, nil
}

func writeParts(mw *multipart.Writer, parts []filePart, progress func()) error {
	for _, p := range parts {
		if err := writeFilePart(mw, p, progress); err != nil {
			return err
		}
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, p.paramField))
		h.Set("Content-Type", "application/json")
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if err := json.NewEncoder(w).Encode(p.params); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, p filePart, progress func()) error {
	f, err := os.Open(p.file.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := p.file.Name
	if name == "" {
		name = filepath.Base(p.file.Path)
	}
	w, err := mw.CreateFormFile(p.field, name)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, progressReader{r: f, progress: progress})
	if err != nil {
		return err
	}
	if p.file.Size > 0 && n != p.file.Size {
		return errors.New(name + ": file changed size while uploading")
	}
	return nil
}

var errUploadStalled = errors.New("no file data sent within the http timeout")

// stallWatch fires once no progress has been reported for limit.
type stallWatch struct {
	mu      sync.Mutex
	timer   *time.Timer
	limit   time.Duration
	stopped bool
}

// watchStall returns an unarmed watch. The first touch arms it.
func watchStall(limit time.Duration, fire func()) *stallWatch {
	t := time.AfterFunc(limit, fire)
	t.Stop()
	return &stallWatch{timer: t, limit: limit}
}

func (w *stallWatch) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.limit)
	}
}

func (w *stallWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// progressReader reports every successful read.
type progressReader struct {
	r        io.Reader
	progress func()
}

func (p progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.progress != nil {
		p.progress()
	}
	return n, err
}
