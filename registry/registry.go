// Package registry maintains the live command name/alias -> handler mapping.
// Handlers are declared as JSON descriptor files in a commands directory and
// resolved against a table of registered implementations; the built mapping
// is swapped in atomically so the dispatch path never observes a
// partially-built or empty registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/telemetry"
)

// Context carries per-invocation dispatch context into a handler. Handlers
// get this plus the narrow Sender; they never see the caches or the registry.
type Context struct {
	Logger     *slog.Logger
	ChatID     string
	IsGroup    bool
	SenderName string
}

// HandlerFunc is the command handler contract: do arbitrary work, optionally
// send messages through the sender, return an error to have the dispatcher
// notify the originating chat.
type HandlerFunc func(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx Context) error

// Handler is one resolved command: a unique primary name, secondary alias
// keys mapping to the same entry, and the invocable implementation.
type Handler struct {
	Name     string
	Aliases  []string
	Help     string
	Cooldown time.Duration
	Fn       HandlerFunc
}

// descriptor is the on-disk declarative form of a Handler.
type descriptor struct {
	Name            string   `json:"name"`
	Handler         string   `json:"handler"`
	Aliases         []string `json:"aliases"`
	Help            string   `json:"help"`
	CooldownSeconds int      `json:"cooldown_seconds"`
}

// CooldownWrapper layers a per-sender cooldown onto a handler. Cooldown is a
// handler-level concern; the dispatcher itself never enforces it.
type CooldownWrapper func(d time.Duration, fn HandlerFunc) HandlerFunc

// Registry resolves command names and aliases to handlers.
type Registry struct {
	impls map[string]HandlerFunc
	wrap  CooldownWrapper
	table atomic.Pointer[map[string]*Handler]
}

// New builds an empty registry over a table of registered implementations.
// wrap, when non-nil, is applied to handlers whose descriptor declares a
// cooldown.
func New(impls map[string]HandlerFunc, wrap CooldownWrapper) *Registry {
	telemetry.Init()
	r := &Registry{impls: impls, wrap: wrap}
	empty := map[string]*Handler{}
	r.table.Store(&empty)
	return r
}

// Lookup resolves a case-folded command name or alias.
func (r *Registry) Lookup(name string) (*Handler, bool) {
	h, ok := (*r.table.Load())[strings.ToLower(name)]
	return h, ok
}

// Size returns the number of name/alias keys currently installed.
func (r *Registry) Size() int { return len(*r.table.Load()) }

// Names returns the distinct primary command names, sorted, for help output.
func (r *Registry) Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range *r.table.Load() {
		if !seen[h.Name] {
			seen[h.Name] = true
			out = append(out, h.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Load enumerates *.json descriptors in dir, builds a fresh mapping, and
// atomically swaps it in. Invalid descriptors are skipped with a warning and
// never abort the load; duplicate names resolve last-loaded-wins with a
// warning. An unreadable directory is an error and leaves the previous
// mapping in effect.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if telemetry.RegistryReloadErrors != nil {
			telemetry.RegistryReloadErrors.Inc()
		}
		return fmt.Errorf("read commands dir: %w", err)
	}

	next := make(map[string]*Handler)
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		h, err := r.loadOne(path)
		if err != nil {
			slog.Warn("skipping invalid command descriptor",
				slog.String("file", path), slog.Any("err", err), slog.String("component", "registry"))
			continue
		}
		for _, key := range append([]string{h.Name}, h.Aliases...) {
			key = strings.ToLower(key)
			if prev, dup := next[key]; dup {
				slog.Warn("duplicate command key, last-loaded file wins",
					slog.String("key", key), slog.String("kept", h.Name), slog.String("shadowed", prev.Name),
					slog.String("component", "registry"))
			}
			next[key] = h
		}
		loaded++
	}

	r.table.Store(&next)
	if telemetry.RegistryReloads != nil {
		telemetry.RegistryReloads.Inc()
	}
	telemetry.SetRegistrySize(len(next))
	slog.Info("command registry loaded",
		slog.Int("handlers", loaded), slog.Int("keys", len(next)), slog.String("component", "registry"))
	return nil
}

func (r *Registry) loadOne(path string) (*Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if strings.TrimSpace(d.Name) == "" {
		return nil, fmt.Errorf("missing name")
	}
	if d.Handler == "" {
		d.Handler = d.Name
	}
	fn, ok := r.impls[strings.ToLower(d.Handler)]
	if !ok {
		return nil, fmt.Errorf("unknown handler implementation %q", d.Handler)
	}
	cooldown := time.Duration(d.CooldownSeconds) * time.Second
	if cooldown > 0 && r.wrap != nil {
		fn = r.wrap(cooldown, fn)
	}
	return &Handler{
		Name:     strings.ToLower(d.Name),
		Aliases:  d.Aliases,
		Help:     d.Help,
		Cooldown: cooldown,
		Fn:       fn,
	}, nil
}
