// Package resolver turns a validated Task into an executable and argument
// vector, combining built-in tool resolvers with a plugin registry keyed by
// tool name.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayforge/queuework/internal/safety"
	"github.com/relayforge/queuework/internal/task"
	"github.com/relayforge/queuework/internal/worker"
)

// Command is the resolved invocation: executable path/name plus argv.
type Command struct {
	Executable string
	Arguments  []string
}

// Resolver resolves a task to a Command, or fails (e.g. a safety rejection).
type Resolver interface {
	Resolve(t task.Task, promptFile string) (Command, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(t task.Task, promptFile string) (Command, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(t task.Task, promptFile string) (Command, error) {
	return f(t, promptFile)
}

// aiToolBuiltin implements the aider/codex/claude argv convention:
// [--message-file <promptfile>]? ++ flags ++ files.
func aiToolBuiltin(tool string) Resolver {
	return ResolverFunc(func(t task.Task, promptFile string) (Command, error) {
		var argv []string
		if promptFile != "" {
			argv = append(argv, "--message-file", promptFile)
		}
		argv = append(argv, t.Flags...)
		argv = append(argv, t.Files...)
		return Command{Executable: tool, Arguments: argv}, nil
	})
}

// gitBuiltin implements the version-control tool: argv = task.Args, guarded
// by the rollback-ref safety check.
func gitBuiltin(t task.Task, _ string) (Command, error) {
	if err := safety.CheckGitArgs(t.Args); err != nil {
		return Command{}, err
	}
	return Command{Executable: "git", Arguments: append([]string(nil), t.Args...)}, nil
}

// fallbackBuiltin implements the default resolver for any tool without a
// dedicated builtin or plugin: argv = [--message-file <promptfile>]? ++
// flags ++ args ++ files.
func fallbackBuiltin(t task.Task, promptFile string) (Command, error) {
	var argv []string
	if promptFile != "" {
		argv = append(argv, "--message-file", promptFile)
	}
	argv = append(argv, t.Flags...)
	argv = append(argv, t.Args...)
	argv = append(argv, t.Files...)
	return Command{Executable: t.Tool, Arguments: argv}, nil
}

// Registry resolves a task's tool to a Command, preferring plugins over
// builtins for the same tool key.
type Registry struct {
	builtins map[string]Resolver
	plugins  map[string]Resolver
}

// NewRegistry builds a Registry pre-populated with the built-in resolvers.
func NewRegistry() *Registry {
	r := &Registry{
		builtins: make(map[string]Resolver),
		plugins:  make(map[string]Resolver),
	}
	for _, tool := range []string{"aider", "codex", "claude"} {
		r.builtins[tool] = aiToolBuiltin(tool)
	}
	r.builtins["git"] = ResolverFunc(gitBuiltin)
	return r
}

// RegisterPlugin adds (or replaces) a plugin resolver for a tool key. Plugins
// always win over builtins for the same key.
func (r *Registry) RegisterPlugin(tool string, res Resolver) {
	r.plugins[strings.ToLower(tool)] = res
}

// Resolve looks up the resolver for t.Tool: plugin first, then builtin, then
// the documented fallback.
func (r *Registry) Resolve(t task.Task, promptFile string) (Command, error) {
	tool := strings.ToLower(t.Tool)
	if res, ok := r.plugins[tool]; ok {
		return res.Resolve(t, promptFile)
	}
	if res, ok := r.builtins[tool]; ok {
		return res.Resolve(t, promptFile)
	}
	return fallbackBuiltin(t, promptFile)
}

// LoadPlugins scans pluginsDir for <name>/plugin.yaml manifests and registers
// each as a plugin resolver. Malformed manifests are skipped with a warning
// rather than aborting the scan; absent pluginsDir is not an error.
func (r *Registry) LoadPlugins(pluginsDir string, warn func(string)) error {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan plugins dir: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}

	// Reading and parsing each manifest is independent I/O, so it fans out
	// across a worker.Pool; this is a bounded, one-shot startup scan that
	// joins before the scheduler's main loop begins, never from inside it.
	pool := worker.NewPool[string](0)
	loaded := worker.Process(pool, dirs, func(name string) (*manifest, error) {
		return loadManifest(filepath.Join(pluginsDir, name, "plugin.yaml"))
	})

	for i, res := range loaded {
		name := dirs[i]
		if res.Err != nil {
			if !os.IsNotExist(res.Err) {
				warn(fmt.Sprintf("plugin %s: %v", name, res.Err))
			}
			continue
		}
		m := res.Value
		built, err := m.resolver()
		if err != nil {
			warn(fmt.Sprintf("plugin %s: %v", name, err))
			continue
		}
		r.RegisterPlugin(m.Tool, built)
	}
	return nil
}
