// Package render turns a template reference plus variables into message
// content. Rendering is pure: it never touches provider or queue state.
package render

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

const (
	subjectSuffix = ".subject.tmpl"
	htmlSuffix    = ".html.tmpl"
	textSuffix    = ".txt.tmpl"
)

// Content is the rendered payload of a message.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders a named template.
type Renderer interface {
	Render(name string, vars map[string]any) (Content, error)
}

type templateSet struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Store holds parsed templates by name.
type Store struct {
	mu        sync.RWMutex
	templates map[string]*templateSet
}

func NewStore() *Store {
	return &Store{templates: make(map[string]*templateSet)}
}

// LoadDir parses every <name>.subject.tmpl, <name>.html.tmpl and
// <name>.txt.tmpl file in dir. A name needs a subject and at least one body.
func LoadDir(dir string) (*Store, error) {
	store := NewStore()
	if strings.TrimSpace(dir) == "" {
		return store, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	sources := make(map[string]map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		for _, suffix := range []string{subjectSuffix, htmlSuffix, textSuffix} {
			if !strings.HasSuffix(fileName, suffix) {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, fileName))
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", fileName, err)
			}
			name := strings.TrimSuffix(fileName, suffix)
			if sources[name] == nil {
				sources[name] = make(map[string]string, 3)
			}
			sources[name][suffix] = string(raw)
			break
		}
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := sources[name]
		if err := store.Add(name, src[subjectSuffix], src[htmlSuffix], src[textSuffix]); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Add parses and registers one template set, replacing any previous one.
func (s *Store) Add(name, subject, html, text string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: template name is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: template %q has no subject", domain.ErrConfiguration, name)
	}
	if strings.TrimSpace(html) == "" && strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: template %q has no body", domain.ErrConfiguration, name)
	}

	set := &templateSet{}
	var err error
	if set.subject, err = texttemplate.New(name + subjectSuffix).Option("missingkey=error").Parse(subject); err != nil {
		return fmt.Errorf("%w: parse %s subject: %v", domain.ErrConfiguration, name, err)
	}
	if strings.TrimSpace(html) != "" {
		if set.html, err = htmltemplate.New(name + htmlSuffix).Option("missingkey=error").Parse(html); err != nil {
			return fmt.Errorf("%w: parse %s html: %v", domain.ErrConfiguration, name, err)
		}
	}
	if strings.TrimSpace(text) != "" {
		if set.text, err = texttemplate.New(name + textSuffix).Option("missingkey=error").Parse(text); err != nil {
			return fmt.Errorf("%w: parse %s text: %v", domain.ErrConfiguration, name, err)
		}
	}

	s.mu.Lock()
	s.templates[name] = set
	s.mu.Unlock()
	return nil
}

// Names lists the registered templates.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes the named template. Unknown templates and execution
// failures wrap domain.ErrTemplateRender.
func (s *Store) Render(name string, vars map[string]any) (Content, error) {
	s.mu.RLock()
	set, ok := s.templates[strings.TrimSpace(name)]
	s.mu.RUnlock()
	if !ok {
		return Content{}, fmt.Errorf("%w: unknown template %q", domain.ErrTemplateRender, name)
	}
	if vars == nil {
		vars = map[string]any{}
	}

	var content Content
	var buf bytes.Buffer

	if err := set.subject.Execute(&buf, vars); err != nil {
		return Content{}, fmt.Errorf("%w: %s subject: %v", domain.ErrTemplateRender, name, err)
	}
	content.Subject = strings.TrimSpace(buf.String())

	if set.html != nil {
		buf.Reset()
		if err := set.html.Execute(&buf, vars); err != nil {
			return Content{}, fmt.Errorf("%w: %s html: %v", domain.ErrTemplateRender, name, err)
		}
		content.HTML = buf.String()
	}
	if set.text != nil {
		buf.Reset()
		if err := set.text.Execute(&buf, vars); err != nil {
			return Content{}, fmt.Errorf("%w: %s text: %v", domain.ErrTemplateRender, name, err)
		}
		content.Text = buf.String()
	}

	return content, nil
}
