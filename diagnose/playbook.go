package diagnose

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed playbooks/*.yaml
var playbooksFS embed.FS

type PlaybookError struct {
	Message string
}

func (e *PlaybookError) Error() string {
	return e.Message
}

// Playbook is one troubleshooting entry: a symptom pattern mapped to its
// cause and remedy. The built-in set ships embedded; LoadDir lets operators
// add entries for their own servers.
type Playbook struct {
	Symptom string `yaml:"symptom"`
	Pattern string `yaml:"pattern"`
	Cause   string `yaml:"cause"`
	// Remedy may reference {module}: it is replaced with the root of the
	// pattern's first capture group (e.g. the missing import name).
	Remedy string `yaml:"remedy"`
	// Priority orders scanning; lower runs first so specific causes are
	// reported before catch-alls. Unset entries default to 100.
	Priority *int `yaml:"priority"`

	re *regexp.Regexp
}

func (p *Playbook) priority() int {
	if p.Priority != nil {
		return *p.Priority
	}
	return 100
}

// LoadEmbedded returns the built-in playbooks.
func LoadEmbedded() (map[string]*Playbook, error) {
	return loadFromFS(playbooksFS, "playbooks")
}

// LoadDir loads playbooks from dir (recursive). Skips _-prefixed and non-YAML files.
func LoadDir(dir string) (map[string]*Playbook, error) {
	registry, err := loadFromFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("walk playbook directory %s: %w", dir, err)
	}
	return registry, nil
}

func loadFromFS(fsys fs.FS, root string) (map[string]*Playbook, error) {
	registry := make(map[string]*Playbook)

	err := fs.WalkDir(fsys, root, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if path.Ext(filePath) != ".yaml" {
			return nil
		}
		if strings.HasPrefix(path.Base(filePath), "_") {
			return nil
		}

		b, readErr := fs.ReadFile(fsys, filePath)
		if readErr != nil {
			return fmt.Errorf("read playbook %s: %w", filePath, readErr)
		}

		var playbook Playbook
		if unmarshalErr := yaml.Unmarshal(b, &playbook); unmarshalErr != nil {
			return &PlaybookError{
				Message: fmt.Sprintf("invalid YAML in %s: %v", filePath, unmarshalErr),
			}
		}
		if parseErr := compilePlaybook(&playbook, filePath); parseErr != nil {
			return parseErr
		}
		registry[playbook.Symptom] = &playbook
		return nil
	})
	if err != nil {
		return nil, err
	}

	return registry, nil
}

// Merge combines base and overlay; overlay wins on conflict. Does not mutate inputs.
func Merge(base, overlay map[string]*Playbook) map[string]*Playbook {
	merged := make(map[string]*Playbook, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func compilePlaybook(p *Playbook, filePath string) error {
	if p.Symptom == "" {
		return &PlaybookError{Message: fmt.Sprintf("playbook %s missing required 'symptom' field", filePath)}
	}
	if p.Pattern == "" {
		return &PlaybookError{Message: fmt.Sprintf("playbook %s missing required 'pattern' field", filePath)}
	}
	if p.Cause == "" {
		return &PlaybookError{Message: fmt.Sprintf("playbook %s missing required 'cause' field", filePath)}
	}
	if p.Remedy == "" {
		return &PlaybookError{Message: fmt.Sprintf("playbook %s missing required 'remedy' field", filePath)}
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return &PlaybookError{Message: fmt.Sprintf("playbook %s: invalid pattern: %v", filePath, err)}
	}
	p.re = re
	return nil
}

// ordered returns the playbooks sorted by priority, then symptom.
func ordered(registry map[string]*Playbook) []*Playbook {
	books := make([]*Playbook, 0, len(registry))
	for _, p := range registry {
		books = append(books, p)
	}
	sort.Slice(books, func(i, j int) bool {
		if books[i].priority() != books[j].priority() {
			return books[i].priority() < books[j].priority()
		}
		return books[i].Symptom < books[j].Symptom
	})
	return books
}
