package watchers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-butler/internal/triggers"
)

const FileWatchSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"ops": {
			"type": "array",
			"items": {"enum": ["create", "write", "remove", "rename"]},
			"uniqueItems": true
		}
	},
	"required": ["path"],
	"additionalProperties": false
}`

const fileDebounce = 500 * time.Millisecond

var opNames = map[string]fsnotify.Op{
	"create": fsnotify.Create,
	"write":  fsnotify.Write,
	"remove": fsnotify.Remove,
	"rename": fsnotify.Rename,
}

// FileWatchFactory builds sources that fire when a file or directory changes.
// Bursts of events are coalesced for 500ms.
func FileWatchFactory(logger *slog.Logger) triggers.Factory {
	return func(exec triggers.Runner, _ triggers.Deliverer, cfg map[string]any, prompt string) (triggers.Source, error) {
		path, _ := cfg["path"].(string)
		mask := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
		if raw, ok := cfg["ops"].([]any); ok && len(raw) > 0 {
			mask = 0
			for _, o := range raw {
				name, _ := o.(string)
				op, ok := opNames[name]
				if !ok {
					return nil, fmt.Errorf("unknown op %q", name)
				}
				mask |= op
			}
		}
		return &fileSource{
			exec:     exec,
			path:     filepath.Clean(path),
			mask:     mask,
			prompt:   prompt,
			debounce: fileDebounce,
			logger:   logger.With("trigger", TypeFileWatch, "path", path),
		}, nil
	}
}

type fileSource struct {
	exec     triggers.Runner
	path     string
	mask     fsnotify.Op
	prompt   string
	debounce time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *fileSource) Start(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(s.path); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, fsw)
	s.logger.Info("file watcher: started")
	return nil
}

func (s *fileSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("file watcher: stopped")
}

func (s *fileSource) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer s.wg.Done()
	defer fsw.Close()

	var (
		pending fsnotify.Event
		armed   bool
		timer   = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&s.mask == 0 {
				continue
			}
			if armed {
				pending.Op |= ev.Op
			} else {
				pending, armed = ev, true
			}
			timer.Reset(s.debounce)
		case <-timer.C:
			if armed {
				s.exec.Fire(ctx, s.event(pending))
				armed = false
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("file watcher: error", "error", err)
		}
	}
}

func (s *fileSource) event(ev fsnotify.Event) triggers.Event {
	op := strings.ToLower(ev.Op.String())
	prompt := fmt.Sprintf("File %s changed (%s).", ev.Name, op) + instruction(s.prompt)
	out := triggers.NewEvent(TypeFileWatch+":"+s.path, prompt)
	out.Context["path"] = ev.Name
	out.Context["op"] = op
	return out
}
