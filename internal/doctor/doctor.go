// Package doctor runs preflight checks on a loaded autoirida configuration.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/autoirida/internal/config"
	"github.com/mattjoyce/autoirida/internal/exclusion"
	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/lock"
	"github.com/mattjoyce/autoirida/internal/parser"
	"github.com/mattjoyce/autoirida/internal/storage"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Authenticator is the part of the IRIDA client the doctor needs.
type Authenticator interface {
	Authenticate(ctx context.Context) (*irida.Session, error)
}

// Doctor checks that a configuration can actually run.
type Doctor struct {
	cfg      *config.Config
	registry *parser.Registry
	auth     Authenticator
}

// New creates a Doctor. auth may be nil to skip the IRIDA login check.
func New(cfg *config.Config, registry *parser.Registry, auth Authenticator) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, auth: auth}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkRunsDir(r)
	d.checkExclusions(r)
	d.checkParser(r)
	d.checkStateDB(r)
	d.checkRetryPolicy(r)
	d.checkAPI(r)
	d.checkIrida(ctx, r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkRunsDir(r *Result) {
	info, err := os.Stat(d.cfg.RunsToUploadDir)
	if err != nil {
		d.addError(r, "runs", "runs_to_upload_dir", err.Error())
		return
	}
	if !info.IsDir() {
		d.addError(r, "runs", "runs_to_upload_dir", d.cfg.RunsToUploadDir+" is not a directory")
		return
	}
	if _, err := os.ReadDir(d.cfg.RunsToUploadDir); err != nil {
		d.addError(r, "runs", "runs_to_upload_dir", fmt.Sprintf("cannot list: %v", err))
	}
}

func (d *Doctor) checkExclusions(r *Result) {
	if strings.TrimSpace(d.cfg.ExcludedRunsList) == "" {
		d.addWarning(r, "exclusions", "excluded_runs_list", "not set, every staged run is eligible for upload")
		return
	}
	_, rejected, err := exclusion.Read(d.cfg.ExcludedRunsList)
	if err != nil {
		d.addError(r, "exclusions", "excluded_runs_list", err.Error())
		return
	}
	for _, line := range rejected {
		d.addWarning(r, "exclusions", "excluded_runs_list",
			fmt.Sprintf("line %d %q contains whitespace and is ignored", line.Line, line.Text))
	}
}

func (d *Doctor) checkParser(r *Result) {
	if _, ok := d.registry.Get(d.cfg.Parser); !ok {
		d.addError(r, "parser", "parser",
			fmt.Sprintf("unknown parser %q (available: %s)", d.cfg.Parser, strings.Join(d.registry.Names(), ", ")))
	}
}

func (d *Doctor) checkStateDB(r *Result) {
	if err := storage.ValidateFilesystem(d.cfg.StateDBPath); err != nil {
		var nfsErr *storage.NetworkFilesystemError
		if errors.As(err, &nfsErr) {
			d.addError(r, "state", "state_db_path",
				fmt.Sprintf("on %s network share, move the database to local disk", nfsErr.FSType))
			return
		}
		d.addError(r, "state", "state_db_path", err.Error())
		return
	}
	if _, err := os.Stat(d.cfg.StateDBPath); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "state", "state_db_path", "database does not exist yet and will be created on first start")
		return
	}

	l, err := lock.Acquire(lock.PathFor(d.cfg.StateDBPath))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			d.addWarning(r, "state", "state_db_path", err.Error())
			return
		}
		d.addError(r, "state", "state_db_path", err.Error())
		return
	}
	_ = l.Release()
}

func (d *Doctor) checkRetryPolicy(r *Result) {
	if d.cfg.MaxUploadAttempts == 0 {
		d.addWarning(r, "retry", "max_upload_attempts", "0 means transient failures are retried forever")
	}
	if d.cfg.ScanIntervalSecs < 60 {
		d.addWarning(r, "retry", "scan_interval_seconds",
			fmt.Sprintf("%ds between scans re-hashes every pending run that often", d.cfg.ScanIntervalSecs))
	}
}

func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Token == "" && !isLoopback(d.cfg.API.Listen) {
		d.addWarning(r, "api", "api.token", fmt.Sprintf("API listens on %s without a token", d.cfg.API.Listen))
	}
}

func (d *Doctor) checkIrida(ctx context.Context, r *Result) {
	if strings.HasPrefix(d.cfg.IridaBaseURL, "http://") {
		d.addWarning(r, "irida", "irida_base_url", "credentials are sent over plain http")
	}
	if d.auth == nil {
		return
	}
	if _, err := d.auth.Authenticate(ctx); err != nil {
		switch {
		case errors.Is(err, irida.ErrInvalidCredentials):
			d.addError(r, "irida", "irida_username", "IRIDA rejected the configured credentials")
		case irida.IsTransient(err):
			d.addWarning(r, "irida", "irida_base_url", fmt.Sprintf("IRIDA unreachable right now: %v", err))
		default:
			d.addError(r, "irida", "irida_base_url", err.Error())
		}
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
