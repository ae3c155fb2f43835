package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/config"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Importer stores parsed documents. *Registry satisfies it.
type Importer interface {
	Create(ctx context.Context, doc *config.PolicyDocument) (*CreateResult, error)
}

// DirectoryWatcher imports the policy documents of one directory.
type DirectoryWatcher struct {
	dir      string
	parser   *config.PolicyDocumentParser
	importer Importer
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDirectoryWatcher creates a watcher for dir.
func NewDirectoryWatcher(dir string, parser *config.PolicyDocumentParser, importer Importer, logger zerolog.Logger) *DirectoryWatcher {
	return &DirectoryWatcher{
		dir:      dir,
		parser:   parser,
		importer: importer,
		logger:   logger.With().Str("component", "policy-watcher").Str("dir", dir).Logger(),
		debounce: DefaultDebounce,
		pending:  make(map[string]struct{}),
	}
}

// SetDebounce overrides DefaultDebounce. It must be called before Start.
func (w *DirectoryWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// ImportAll parses and imports every document in the directory. Documents
// that fail to parse or store are logged and reported in the returned error;
// the rest are still imported.
func (w *DirectoryWatcher) ImportAll(ctx context.Context) ([]*CreateResult, error) {
	docs, parseErr := w.parser.ParseDir(w.dir)
	if parseErr != nil {
		w.logger.Warn().Err(parseErr).Msg("Some policy documents could not be parsed")
	}

	results := make([]*CreateResult, 0, len(docs))
	errs := []error{parseErr}
	for _, doc := range docs {
		res, err := w.importer.Create(ctx, doc)
		if err != nil {
			w.logger.Error().Err(err).Str("file", doc.Source).Msg("Failed to import policy document")
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(doc.Source), err))
			continue
		}
		results = append(results, res)
		w.logImported(doc.Source, res)
	}
	return results, errors.Join(errs...)
}

// Start imports the directory once, then watches it until ctx is done or
// Stop is called.
func (w *DirectoryWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})

	if _, err := w.ImportAll(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Initial policy import incomplete")
	}

	go w.processEvents(ctx)

	w.logger.Info().Msg("Watching policy directory")
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *DirectoryWatcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *DirectoryWatcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !config.IsPolicyDocument(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy document changed")
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule queues path and restarts the debounce timer.
func (w *DirectoryWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *DirectoryWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		doc, err := w.parser.ParseFile(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("file", path).Msg("Skipping invalid policy document")
			continue
		}
		res, err := w.importer.Create(ctx, doc)
		if err != nil {
			w.logger.Error().Err(err).Str("file", path).Msg("Failed to import policy document")
			continue
		}
		w.logImported(path, res)
	}
}

func (w *DirectoryWatcher) logImported(path string, res *CreateResult) {
	evt := w.logger.Info()
	if !res.Created {
		evt = w.logger.Debug()
	}
	evt.Str("file", path).
		Str("policy_id", res.Policy.ID).
		Int("version", res.Policy.Version).
		Bool("created", res.Created).
		Int("warnings", len(res.Warnings)).
		Msg("Policy document imported")
}
