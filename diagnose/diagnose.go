// Package diagnose maps server failure output to known causes and remedies.
package diagnose

import (
	"fmt"
	"strings"
	"sync"

	"github.com/abubrak/mcpdoctor/runner"
)

const DefaultMaxLogBytes = 256 * 1024

// Finding is one recognized symptom in a server's stderr or log output.
type Finding struct {
	Symptom string `json:"symptom"`
	Cause   string `json:"cause"`
	Remedy  string `json:"remedy"`
	// Line is the first matching line, trimmed.
	Line string `json:"line,omitempty"`
}

// Scanner matches text against a playbook registry.
type Scanner struct {
	books []*Playbook
}

// NewScanner builds a Scanner from a playbook registry, compiling any entries
// constructed by hand rather than loaded.
func NewScanner(registry map[string]*Playbook) (*Scanner, error) {
	for symptom, p := range registry {
		if p.re == nil {
			if err := compilePlaybook(p, symptom); err != nil {
				return nil, err
			}
		}
	}
	return &Scanner{books: ordered(registry)}, nil
}

var (
	defaultOnce    sync.Once
	defaultScanner *Scanner
)

// Default returns the scanner for the embedded playbooks.
func Default() *Scanner {
	defaultOnce.Do(func() {
		registry, err := LoadEmbedded()
		if err != nil {
			panic(fmt.Sprintf("diagnose: embedded playbooks: %v", err))
		}
		defaultScanner, err = NewScanner(registry)
		if err != nil {
			panic(fmt.Sprintf("diagnose: embedded playbooks: %v", err))
		}
	})
	return defaultScanner
}

// Scan finds every known symptom in text using the embedded playbooks. Each
// playbook reports at most once; specific causes come before catch-alls.
func Scan(text string) []Finding {
	return Default().Scan(text)
}

func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	for _, p := range s.books {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		findings = append(findings, Finding{
			Symptom: p.Symptom,
			Cause:   p.Cause,
			Remedy:  expandRemedy(p.Remedy, m),
			Line:    matchLine(text, m[0]),
		})
	}
	return findings
}

// ScanLog reads up to maxBytes from the end of the log at path through the
// runner (local file or SFTP) and scans it.
func ScanLog(r runner.Runner, path string, maxBytes int64) ([]Finding, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	data, err := r.ReadTail(path, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return Scan(string(data)), nil
}

// Excerpt bounds text to maxBytes, preserving head and tail around a marker.
func Excerpt(text string, maxBytes int) string {
	data := []byte(text)
	total := len(data)
	if total <= maxBytes {
		return text
	}
	if maxBytes <= 0 {
		return ""
	}

	// Size the separator with a worst-case count first so the budget holds.
	sep := []byte(fmt.Sprintf("\n... [%d bytes omitted] ...\n", total))
	if maxBytes <= len(sep) {
		return string(data[:maxBytes])
	}

	budget := maxBytes - len(sep)
	head := budget * 3 / 4
	tail := budget - head
	sep = []byte(fmt.Sprintf("\n... [%d bytes omitted] ...\n", total-head-tail))

	out := append(append(data[:head:head], sep...), data[total-tail:]...)
	return string(out)
}

// expandRemedy fills {module} with the root of the first capture group, so a
// playbook for dotted import names still points at the installable package.
func expandRemedy(remedy string, match []string) string {
	if !strings.Contains(remedy, "{module}") || len(match) < 2 {
		return remedy
	}
	root, _, _ := strings.Cut(match[1], ".")
	return strings.ReplaceAll(remedy, "{module}", root)
}

func matchLine(text, match string) string {
	idx := strings.Index(text, match)
	if idx < 0 {
		return strings.TrimSpace(match)
	}
	start := strings.LastIndexByte(text[:idx], '\n') + 1
	end := strings.IndexByte(text[idx:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += idx
	}
	return strings.TrimSpace(text[start:end])
}
