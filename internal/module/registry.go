package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"Go2NetGraph/internal/model"

	"go.uber.org/zap"
)

// DefaultEntryTTL is how long a saved module entry lives.
const DefaultEntryTTL = 24 * time.Hour

// ErrInvalidFilename is returned by Static for names outside ^\w+\.\w+$.
var ErrInvalidFilename = errors.New("invalid static filename")

var staticName = regexp.MustCompile(`^\w+\.\w+$`)

// Module is a capture-time extension loaded into a session.
type Module interface {
	Name() string
	// OnPacket is called from the capture loop for every packet.
	OnPacket(pkt *model.PacketInfo)
	// Bootstrap renders the module's view for the given request arguments.
	Bootstrap(ctx context.Context, args map[string]string) (interface{}, error)
	// Checkpoint persists the module state when its session checkpoints.
	Checkpoint(ctx context.Context) error
	// Reset clears per-run state when its session starts a new run.
	Reset()
	// Static returns a named asset shipped with the module.
	Static(filename string) ([]byte, error)
}

// Env carries the per-session dependencies a module is built with.
type Env struct {
	SessionID string
	Entries   EntryStore
	EntryTTL  time.Duration
	StaticDir string
	Logger    *zap.SugaredLogger
}

// Factory builds a module instance for one session.
type Factory func(env Env) (Module, error)

// registry holds the mapping of module names to their factory functions.
var registry = make(map[string]Factory)

// Register registers a module under name. It panics on duplicates.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("module '%s' already registered", name))
	}
	registry[name] = factory
}

// Names lists the registered modules.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the activated modules, in the order given.
func Create(activated []string, env Env) ([]Module, error) {
	if env.EntryTTL <= 0 {
		env.EntryTTL = DefaultEntryTTL
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop().Sugar()
	}
	if env.Entries == nil {
		env.Entries = NewMemoryEntryStore()
	}

	modules := make([]Module, 0, len(activated))
	for _, name := range activated {
		factory, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown module: '%s'", name)
		}
		m, err := factory(env)
		if err != nil {
			return nil, fmt.Errorf("failed to create module %s: %w", name, err)
		}
		modules = append(modules, m)
		env.Logger.Debugw("Module loaded", "module", name, "session", env.SessionID)
	}
	return modules, nil
}

// Base implements the entry and static-asset plumbing shared by modules.
type Base struct {
	name string
	env  Env
}

// NewBase returns the shared plumbing for the module called name.
func NewBase(name string, env Env) Base {
	return Base{name: name, env: env}
}

func (b Base) Name() string { return b.name }

// LoadEntry reads the module's entry for its session into v.
// It returns model.ErrNotFound when none was saved or it expired.
func (b Base) LoadEntry(ctx context.Context, v interface{}) error {
	return b.env.Entries.Load(ctx, b.env.SessionID, b.name, v)
}

// SaveEntry stores v as the module's entry for its session.
func (b Base) SaveEntry(ctx context.Context, v interface{}) error {
	return b.env.Entries.Save(ctx, b.env.SessionID, b.name, v, b.env.EntryTTL)
}

func (b Base) Static(filename string) ([]byte, error) {
	if !staticName.MatchString(filename) {
		return nil, ErrInvalidFilename
	}
	data, err := os.ReadFile(filepath.Join(b.env.StaticDir, b.name, "static", filename))
	if err != nil {
		return nil, fmt.Errorf("static file %s: %w", filename, err)
	}
	return data, nil
}
