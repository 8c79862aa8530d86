// Package notify renders user-facing text and fans commit notifications out to
// subscribers.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"commitwatch/logger"
)

//go:embed locales/*.yaml
var embeddedLocales embed.FS

// Fields are the named values substituted into a message template.
type Fields map[string]any

type localeFile struct {
	Name     string            `yaml:"name"`
	Messages map[string]string `yaml:"messages"`
}

type message struct {
	text string
	tmpl *template.Template
}

type locale struct {
	name     string
	messages map[string]message
}

// Catalog is a data-driven message table keyed by (template key, locale).
type Catalog struct {
	mu            sync.RWMutex
	locales       map[string]*locale
	defaultLocale string
	log           *zap.Logger
}

// NewCatalog loads the embedded locales, then any *.yaml files in dir, which
// override individual messages. dir may be empty.
func NewCatalog(defaultLocale, dir string, log *zap.Logger) (*Catalog, error) {
	c := &Catalog{
		locales:       make(map[string]*locale),
		defaultLocale: defaultLocale,
		log:           logger.OrNop(log),
	}

	if err := c.loadFS(embeddedLocales, "locales"); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := c.loadFS(os.DirFS(dir), "."); err != nil {
			return nil, err
		}
	}

	if _, ok := c.locales[defaultLocale]; !ok {
		return nil, fmt.Errorf("default locale %q has no messages", defaultLocale)
	}
	return c, nil
}

func (c *Catalog) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("reading locales: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading locale %s: %w", entry.Name(), err)
		}
		code := strings.TrimSuffix(entry.Name(), ".yaml")
		if err := c.add(code, data); err != nil {
			return err
		}
	}
	return nil
}

// add parses one locale document and merges it into the catalog.
func (c *Catalog) add(code string, data []byte) error {
	var file localeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing locale %s: %w", code, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	loc, ok := c.locales[code]
	if !ok {
		loc = &locale{name: code, messages: make(map[string]message)}
		c.locales[code] = loc
	}
	if file.Name != "" {
		loc.name = file.Name
	}
	for key, text := range file.Messages {
		tmpl, err := template.New(key).Parse(text)
		if err != nil {
			return fmt.Errorf("parsing %s.%s: %w", code, key, err)
		}
		loc.messages[key] = message{text: text, tmpl: tmpl}
	}
	return nil
}

// Render looks key up in locale, falling back to the default locale and then
// to the key itself.
func (c *Catalog) Render(key, localeCode string, fields Fields) string {
	msg, ok := c.lookup(key, localeCode)
	if !ok {
		return key
	}

	var buf bytes.Buffer
	if err := msg.tmpl.Execute(&buf, fields); err != nil {
		c.log.Warn("Failed to render message",
			zap.String("key", key),
			zap.String("locale", localeCode),
			zap.Error(err))
		return msg.text
	}
	return buf.String()
}

func (c *Catalog) lookup(key, localeCode string) (message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if loc, ok := c.locales[localeCode]; ok {
		if msg, ok := loc.messages[key]; ok {
			return msg, true
		}
	}
	if loc, ok := c.locales[c.defaultLocale]; ok {
		msg, ok := loc.messages[key]
		return msg, ok
	}
	return message{}, false
}

// Has reports whether code is a loaded locale.
func (c *Catalog) Has(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locales[code]
	return ok
}

// DefaultLocale returns the fallback locale code.
func (c *Catalog) DefaultLocale() string {
	return c.defaultLocale
}

// Language is a selectable locale.
type Language struct {
	Code string
	Name string
}

// Languages lists the loaded locales sorted by code.
func (c *Catalog) Languages() []Language {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Language, 0, len(c.locales))
	for code, loc := range c.locales {
		out = append(out, Language{Code: code, Name: loc.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// LanguageName returns the display name of a locale, or the code itself.
func (c *Catalog) LanguageName(code string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if loc, ok := c.locales[code]; ok {
		return loc.name
	}
	return code
}
