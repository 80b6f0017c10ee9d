package logger

import (
	"io"
	"regexp"
	"sync"
)

// minSecretLen keeps short literals from masking ordinary words.
const minSecretLen = 8

type rule struct {
	name    string
	pattern *regexp.Regexp
	// keepPrefix leaves the first capture group in place.
	keepPrefix bool
}

func (r rule) replacement() string {
	if r.keepPrefix {
		return "${1}[REDACTED:" + r.name + "]"
	}
	return "[REDACTED:" + r.name + "]"
}

// Redactor masks channel credentials and other secrets in log lines.
type Redactor struct {
	mu      sync.RWMutex
	rules   []rule
	secrets map[string]bool
}

// NewRedactor creates a redactor with the built-in credential rules plus
// the given literal secrets.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{
		rules: []rule{
			{name: "telegram", pattern: regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_-]{30,}`)},
			{name: "slack", pattern: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`)},
			{name: "slack", pattern: regexp.MustCompile(`\bxapp-\d-[A-Za-z0-9-]{10,}`)},
			{name: "discord", pattern: regexp.MustCompile(`\b[MNO][A-Za-z0-9_-]{23,27}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,40}`)},
			{name: "apikey", pattern: regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`)},
			{name: "bearer", pattern: regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`), keepPrefix: true},
			{name: "field", pattern: regexp.MustCompile(`((?i:"[a-z_]*(?:token|api_key|password|secret)")\s*:\s*")[^"]+`), keepPrefix: true},
			{name: "field", pattern: regexp.MustCompile(`((?i:\b(?:password|secret|token|api_key)=))[^\s&"]+`), keepPrefix: true},
		},
		secrets: make(map[string]bool),
	}
	r.AddSecrets(secrets...)
	return r
}

// AddRule registers an extra pattern masked as [REDACTED:name].
func (r *Redactor) AddRule(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{name: name, pattern: re})
	r.mu.Unlock()
	return nil
}

// AddSecrets masks literal values wherever they appear.
func (r *Redactor) AddSecrets(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if len(s) < minSecretLen || r.secrets[s] {
			continue
		}
		r.secrets[s] = true
		r.rules = append(r.rules, rule{name: "secret", pattern: regexp.MustCompile(regexp.QuoteMeta(s))})
	}
}

// Redact masks sensitive values in s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.replacement())
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
