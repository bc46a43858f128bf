package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactRule struct {
	pattern *regexp.Regexp
	repl    string
}

// Redactor masks credentials before log lines reach any sink.
type Redactor struct {
	rules []redactRule
}

// NewRedactor returns a Redactor loaded with patterns for the credentials this
// service handles: model provider keys, search and weather keys, and
// Telegram bot tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactRule{
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`tvly-[a-zA-Z0-9_-]{10,}`), redacted},
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), "Bearer " + redacted},
			{regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`), redacted},
			{regexp.MustCompile(`(appid|api_key|apikey)=[^&\s"]+`), "${1}=" + redacted},
			{regexp.MustCompile(`(?i)(password|secret|token)(["\s:=]+)[^\s",]{6,}`), "${1}${2}" + redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactRule{pattern: re, repl: redacted})
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Wrap returns a writer that redacts before delegating to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat the shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
