package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// rule replaces the sensitive part of a match. Patterns with a capture group
// keep the group (the key) and mask the rest.
type rule struct {
	re      *regexp.Regexp
	replace string
}

// Redactor masks credentials in log lines: access tokens in headers, query
// strings and JSON, webhook signatures, and any literal secret registered
// with AddSecret.
type Redactor struct {
	mu    sync.RWMutex
	rules []rule
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	keep := func(pattern string) rule {
		return rule{re: regexp.MustCompile(pattern), replace: "${1}" + redacted}
	}
	return &Redactor{
		rules: []rule{
			keep(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`),
			keep(`(access_token=)[^&\s"]+`),
			keep(`("access_token"\s*:\s*")[^"]*`),
			keep(`("secret"\s*:\s*")[^"]*`),
			keep(`(sha1=)[0-9a-fA-F]{40}`),
			keep(`(?i)(password["\s:=]+)[^\s"]+`),
		},
	}
}

// AddPattern masks every match of pattern entirely.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{re: re, replace: redacted})
	r.mu.Unlock()
	return nil
}

// AddSecret masks every literal occurrence of the given values. Empty
// values are ignored.
func (r *Redactor) AddSecret(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if v == "" {
			continue
		}
		r.rules = append(r.rules, rule{re: regexp.MustCompile(regexp.QuoteMeta(v)), replace: redacted})
	}
}

// Redact returns s with every rule applied.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replace)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it on.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see the size change.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
