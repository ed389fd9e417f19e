package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pulz/internal/logging"
	"pulz/internal/types"
)

// SourceDef describes one pollable source.
type SourceDef struct {
	Kind      string `yaml:"kind"`      // "reddit" or "rss"
	Subreddit string `yaml:"subreddit"` // reddit only
	URL       string `yaml:"url"`       // rss only
}

// defaultSources are the built-in sources available without any config.
func defaultSources() map[string]SourceDef {
	return map[string]SourceDef{
		"reddit_smallbusiness": {Kind: "reddit", Subreddit: "smallbusiness"},
		"reddit_entrepreneur":  {Kind: "reddit", Subreddit: "entrepreneur"},
		"rss_forhire":          {Kind: "rss", URL: "https://www.reddit.com/r/forhire/.rss"},
	}
}

// Catalogue maps source names to connector constructors. Definitions in
// the sources file overlay the defaults and are hot-reloaded on change.
type Catalogue struct {
	mu      sync.RWMutex
	sources map[string]SourceDef
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCatalogue builds a catalogue backed by an optional YAML file at
// path. A missing file leaves the defaults in place. When the file's
// directory exists, edits to it are picked up live.
func NewCatalogue(path string) (*Catalogue, error) {
	c := &Catalogue{
		sources: defaultSources(),
		path:    path,
		done:    make(chan struct{}),
	}
	if path == "" {
		return c, nil
	}

	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create sources watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files and the
	// inode-level watch would be lost on the first save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		logging.Connector("Sources directory not watchable, hot reload disabled: %v", err)
		return c, nil
	}
	c.watcher = watcher
	go c.watch()
	return c, nil
}

// watch applies the sources file whenever it changes.
func (c *Catalogue) watch() {
	target := filepath.Clean(c.path)
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				logging.Get(logging.CategoryConnector).Warn("Sources reload failed: %v", err)
				continue
			}
			logging.Connector("Sources file reloaded: %s", c.path)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConnector).Warn("Sources watcher error: %v", err)
		}
	}
}

// reload merges the sources file over the defaults. A missing file is
// not an error; a malformed file is.
func (c *Catalogue) reload() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sources file: %w", err)
	}

	var fileSources map[string]SourceDef
	if err := yaml.Unmarshal(data, &fileSources); err != nil {
		return fmt.Errorf("failed to parse sources file: %w", err)
	}

	merged := defaultSources()
	for name, def := range fileSources {
		merged[name] = def
	}

	c.mu.Lock()
	c.sources = merged
	c.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (c *Catalogue) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// Names returns all known source names, sorted.
func (c *Catalogue) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds connectors for the named sources. An empty list selects
// every known source. Unknown or misconfigured names are skipped with a
// warning; it is an error only when nothing at all resolves.
func (c *Catalogue) Resolve(names []string) ([]Connector, error) {
	if len(names) == 0 {
		names = c.Names()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	connectors := make([]Connector, 0, len(names))
	for _, name := range names {
		def, ok := c.sources[name]
		if !ok {
			logging.Get(logging.CategoryConnector).Warn("Unknown source %q skipped", name)
			continue
		}
		switch def.Kind {
		case "reddit":
			if def.Subreddit == "" {
				logging.Get(logging.CategoryConnector).Warn("Source %q has no subreddit, skipped", name)
				continue
			}
			connectors = append(connectors, NewReddit(def.Subreddit))
		case "rss":
			if def.URL == "" {
				logging.Get(logging.CategoryConnector).Warn("Source %q has no url, skipped", name)
				continue
			}
			connectors = append(connectors, NewRSS(name, def.URL))
		default:
			logging.Get(logging.CategoryConnector).Warn("Source %q has unknown kind %q, skipped", name, def.Kind)
		}
	}
	if len(connectors) == 0 {
		return nil, fmt.Errorf("%w: no valid connectors", types.ErrInvalid)
	}
	return connectors, nil
}
