// Package providers keeps the provider registry in sync with the provider
// definitions file.
package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/gammadia/nomadcloud/cloud"
	api "github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/nomad"
	"github.com/gammadia/nomadcloud/store"
)

// reloadDebounce groups the bursts of events editors produce when saving.
const reloadDebounce = 250 * time.Millisecond

// providersFile is the layout of the provider definitions file.
type providersFile struct {
	Providers []nomad.Config `yaml:"providers"`
}

// Parse decodes and validates provider definitions.
func Parse(data []byte) ([]nomad.Config, error) {
	var file providersFile

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse provider definitions: %w", err)
	}

	for _, config := range file.Providers {
		if err := config.Validate(); err != nil {
			return nil, err
		}
	}
	names := lo.Map(file.Providers, func(c nomad.Config, _ int) string { return c.Name })
	if duplicates := lo.FindDuplicates(names); len(duplicates) > 0 {
		return nil, fmt.Errorf("duplicate provider names %v", duplicates)
	}
	return file.Providers, nil
}

// Manager applies the provider definitions file to a registry.
type Manager struct {
	path     string
	registry *nomad.Registry
	// options are shared by every provider, InFlight excepted
	options nomad.Options
	log     *slog.Logger

	mutex sync.Mutex
}

func New(path string, registry *nomad.Registry, options nomad.Options, logger *slog.Logger) *Manager {
	options.Registry = registry
	return &Manager{
		path:     path,
		registry: registry,
		options:  options,
		log:      logger.With("component", "providers", "file", path),
	}
}

// Load reads the definitions file and applies it to the registry. A missing
// file means no providers.
func (ps *Manager) Load() error {
	data, err := os.ReadFile(ps.path)
	if errors.Is(err, os.ErrNotExist) {
		ps.log.Warn("Provider definitions file not found, no provider is configured")
		data = nil
	} else if err != nil {
		return fmt.Errorf("failed to read provider definitions: %w", err)
	}

	configs, err := Parse(data)
	if err != nil {
		return err
	}
	return ps.apply(configs)
}

func (ps *Manager) apply(configs []nomad.Config) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	for _, config := range configs {
		existing, ok := ps.registry.Get(config.Name)
		if ok && sameConnection(existing.Config(), config) {
			if err := existing.SetTemplates(config.Templates); err != nil {
				return err
			}
			ps.log.Info("Provider templates updated", "provider", config.Name, "templates", len(config.Templates))
			continue
		}

		options := ps.options
		if ok {
			// Agents in flight still count against the new definition
			options.InFlight = existing.InFlight()
		}
		provider, err := nomad.New(config, options)
		if err != nil {
			return err
		}
		ps.registry.Replace(provider)
		ps.log.Info(lo.Ternary(ok, "Provider replaced", "Provider added"), "provider", config.Name, "address", config.Address, "templates", len(config.Templates))
	}

	names := lo.Map(configs, func(c nomad.Config, _ int) string { return c.Name })
	for _, provider := range ps.registry.Providers() {
		if !lo.Contains(names, provider.Name()) {
			ps.registry.Remove(provider.Name())
			ps.log.Warn("Provider removed, its agents can no longer be terminated", "provider", provider.Name())
		}
	}
	return nil
}

// sameConnection reports whether two definitions only differ by their templates.
func sameConnection(a, b nomad.Config) bool {
	a.Templates, b.Templates = nil, nil
	return reflect.DeepEqual(a, b)
}

// Watch reloads the definitions file whenever it changes, until ctx is done.
// Invalid definitions are logged and the previous ones are kept.
func (ps *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watching the directory catches editors replacing the file
	if err := watcher.Add(filepath.Dir(ps.path)); err != nil {
		return fmt.Errorf("failed to watch '%s': %w", filepath.Dir(ps.path), err)
	}
	ps.log.Info("Watching provider definitions")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(ps.path) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			ps.log.Debug("Provider definitions changed", "op", event.Op.String())

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if _, err := os.Stat(ps.path); errors.Is(err, os.ErrNotExist) {
					ps.log.Warn("Provider definitions file was removed, keeping the previous ones")
					return
				}
				if err := ps.Load(); err != nil {
					ps.log.Error("Failed to reload provider definitions, keeping the previous ones", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ps.log.Error("File watcher error", "error", err)
		}
	}
}

// SecretLoader returns the credentials lookup of providers, reading tokens
// from the secrets directory.
func SecretLoader(dataRoot string) func(id string) (string, error) {
	return func(id string) (string, error) {
		if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
			return "", fmt.Errorf("invalid credentials id '%s'", id)
		}

		secret, err := os.ReadFile(filepath.Join(dataRoot, "secrets", id))
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
}

// NodeStore lists and forgets the nodes persisted by a previous run.
type NodeStore interface {
	List(ctx context.Context) ([]store.Node, error)
	Delete(ctx context.Context, name string) error
}

// CleanupOrphans terminates the agents a previous run left behind. Nodes whose
// provider is no longer defined are kept for a later attempt. It returns the
// number of terminated agents.
func (ps *Manager) CleanupOrphans(ctx context.Context, nodes NodeStore) (int, error) {
	orphans, err := nodes.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted nodes: %w", err)
	}

	terminated := 0
	for _, orphan := range orphans {
		log := ps.log.With("node", orphan.Name, "provider", orphan.Provider)

		provider, ok := ps.registry.Get(orphan.Provider)
		if !ok {
			log.Warn("Provider of a left behind agent is not defined, keeping it for later")
			continue
		}

		node := cloud.NewAgentNode(cloud.PlannedAgent{Name: orphan.Name, Provider: orphan.Provider, Label: orphan.Label})
		result := provider.Terminate(ctx, node, cloud.Discard)
		if !result.OK() && !errors.Is(result.Err, api.ErrJobNotFound) {
			log.Error("Failed to terminate left behind agent", "error", result.Err)
			continue
		}

		if err := nodes.Delete(ctx, orphan.Name); err != nil {
			return terminated, err
		}
		log.Info("Left behind agent terminated", "status", orphan.Status)
		terminated++
	}
	return terminated, nil
}
