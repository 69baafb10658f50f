package resolver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/queuework/internal/task"
)

// manifest is the decoded shape of a plugins/<name>/plugin.yaml file.
type manifest struct {
	Name        string   `yaml:"name"`
	Tool        string   `yaml:"tool"`
	Description string   `yaml:"description"`
	Executable  string   `yaml:"executable"`
	Protocol    string   `yaml:"protocol"`
	Args        []string `yaml:"args"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Tool) == "" {
		return nil, fmt.Errorf("manifest missing name or tool")
	}
	m.Tool = strings.ToLower(strings.TrimSpace(m.Tool))
	return &m, nil
}

// resolver builds the Resolver this manifest describes, per its protocol.
func (m *manifest) resolver() (Resolver, error) {
	switch m.Protocol {
	case "", "argv":
		return m.argvResolver(), nil
	case "subprocess":
		return newSubprocessResolver(m)
	default:
		return nil, fmt.Errorf("unknown protocol %q", m.Protocol)
	}
}

// argvResolver builds a static template: executable ++ manifest args ++
// [--message-file <promptfile>]? ++ flags ++ args ++ files, the fallback
// builtin's ordering with the manifest args in front.
func (m *manifest) argvResolver() Resolver {
	exe := m.Executable
	if exe == "" {
		exe = m.Tool
	}
	template := append([]string(nil), m.Args...)
	return ResolverFunc(func(t task.Task, promptFile string) (Command, error) {
		var argv []string
		argv = append(argv, template...)
		if promptFile != "" {
			argv = append(argv, "--message-file", promptFile)
		}
		argv = append(argv, t.Flags...)
		argv = append(argv, t.Args...)
		argv = append(argv, t.Files...)
		return Command{Executable: exe, Arguments: argv}, nil
	})
}

// subprocessRequest/Response are the line-delimited JSON messages exchanged
// with a protocol: subprocess plugin helper.
type subprocessRequest struct {
	Task       task.Task `json:"task"`
	PromptFile string    `json:"prompt_file"`
}

type subprocessResponse struct {
	Executable string   `json:"executable"`
	Arguments  []string `json:"arguments"`
	Error      string   `json:"error,omitempty"`
}

// subprocessResolver keeps a long-lived helper process alive for the life of
// the worker and resolves each task by writing a JSON request line to its
// stdin and reading one JSON response line from its stdout.
type subprocessResolver struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Scanner
}

func newSubprocessResolver(m *manifest) (Resolver, error) {
	exe := m.Executable
	if exe == "" {
		exe = m.Tool
	}
	cmd := exec.Command(exe, m.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subprocess plugin: %w", err)
	}
	return &subprocessResolver{
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdin),
		stdout: bufio.NewScanner(stdout),
	}, nil
}

func (s *subprocessResolver) Resolve(t task.Task, promptFile string) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := json.Marshal(subprocessRequest{Task: t, PromptFile: promptFile})
	if err != nil {
		return Command{}, fmt.Errorf("encode plugin request: %w", err)
	}
	if _, err := s.stdin.Write(append(req, '\n')); err != nil {
		return Command{}, fmt.Errorf("write plugin request: %w", err)
	}
	if err := s.stdin.Flush(); err != nil {
		return Command{}, fmt.Errorf("flush plugin request: %w", err)
	}

	if !s.stdout.Scan() {
		if err := s.stdout.Err(); err != nil {
			return Command{}, fmt.Errorf("read plugin response: %w", err)
		}
		return Command{}, fmt.Errorf("plugin closed stdout without a response")
	}

	var resp subprocessResponse
	if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
		return Command{}, fmt.Errorf("decode plugin response: %w", err)
	}
	if resp.Error != "" {
		return Command{}, fmt.Errorf("plugin rejected task: %s", resp.Error)
	}
	return Command{Executable: resp.Executable, Arguments: resp.Arguments}, nil
}
