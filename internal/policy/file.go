package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// WildcardCaller marks a file policy that applies to every caller without a
// caller-specific one.
const WildcardCaller = "*"

// FileSource serves policies from a YAML file and reloads it on change.
//
//	policies:
//	  - id: strict
//	    caller_id: "*"
//	    rules:
//	      - id: block-injection
//	        priority: 100
//	        action: BLOCK
//	        condition: {kinds: [prompt_injection, jailbreak], min_severity: 0.7}
type FileSource struct {
	path    string
	byCall  atomic.Pointer[map[string]*Policy]
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewFileSource loads path and starts watching it. An invalid initial file is
// an error; invalid later edits are logged and the previous snapshot is kept.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("NewFileSource: %w", err)
	}
	s := &FileSource{path: absPath, logger: logger}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("NewFileSource: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewFileSource: watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("NewFileSource: watch: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	go s.watchLoop(ctx)
	return s, nil
}

// ActivePolicy returns the caller's policy, the wildcard policy, or nil.
// Disabled policies are skipped.
func (s *FileSource) ActivePolicy(_ context.Context, callerID string) (*Policy, error) {
	m := s.byCall.Load()
	if m == nil {
		return nil, nil
	}
	if p := (*m)[callerID]; p != nil && p.Enabled {
		return p, nil
	}
	if p := (*m)[WildcardCaller]; p != nil && p.Enabled {
		return p, nil
	}
	return nil, nil
}

// Close stops watching.
func (s *FileSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

type policyFile struct {
	Policies []yaml.Node `yaml:"policies"`
}

func (s *FileSource) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	m, err := parsePolicyFile(data)
	if err != nil {
		return err
	}
	s.byCall.Store(&m)
	return nil
}

func parsePolicyFile(data []byte) (map[string]*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	m := make(map[string]*Policy, len(f.Policies))
	for i := range f.Policies {
		var raw any
		if err := f.Policies[i].Decode(&raw); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		p, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		caller := p.CallerID
		if caller == "" {
			caller = WildcardCaller
		}
		if _, dup := m[caller]; dup {
			return nil, fmt.Errorf("policy %d: duplicate policy for caller %q", i, caller)
		}
		m[caller] = p
	}
	return m, nil
}

func (s *FileSource) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					if err := s.load(); err != nil {
						s.logger.Warn("policy file reload failed, keeping previous snapshot",
							zap.String("path", s.path),
							zap.Error(err),
						)
						return
					}
					s.logger.Info("policy file reloaded", zap.String("path", s.path))
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("policy file watcher error", zap.Error(err))
		}
	}
}
