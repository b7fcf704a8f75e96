package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/amerfu/infergate/internal/config"
)

const (
	LaunchModeCLI       = "cli"
	LaunchModePythonAPI = "python_api"
)

// Profile describes how one engine family is launched.
type Profile struct {
	Name string
	// Module is the python module run in python_api mode.
	Module string
	// WrapperTokens are stripped from a configured command before it is
	// re-launched as "python -m Module".
	WrapperTokens []string
	// SupportsLoRA enables adapter flags and resolver environment.
	SupportsLoRA bool
	// PassThroughPython runs commands that already invoke python as-is.
	PassThroughPython bool
}

var VLLMProfile = Profile{
	Name:   "vllm",
	Module: "vllm.entrypoints.openai.api_server",
	WrapperTokens: []string{
		"vllm",
		"vllm.entrypoints.openai.api_server",
		"vllm.entrypoints.api_server",
		"vllm.entrypoints.openai.cli",
		"vllm.entrypoints.openai.cli:serve",
	},
	SupportsLoRA: true,
}

var SGLangProfile = Profile{
	Name:              "sglang",
	Module:            "sglang.launch_server",
	WrapperTokens:     []string{"sglang", "sglang.launch_server"},
	PassThroughPython: true,
}

// resolveCommand picks the command text: override, then start_cmd, then the
// contents of start_cmd_file.
func resolveCommand(override string, cfg config.EngineConfig) (string, error) {
	if s := strings.TrimSpace(override); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(cfg.StartCmd); s != "" {
		return s, nil
	}
	if cfg.StartCmdFile != "" {
		data, err := os.ReadFile(cfg.StartCmdFile)
		if err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s, nil
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("read start command file: %w", err)
		}
	}
	return "", fmt.Errorf("no start command configured (set start_cmd or %s)", cfg.StartCmdFile)
}

// buildArgv turns the command text into an argv for exec.
func buildArgv(p Profile, command string, cfg config.EngineConfig, lookPath func(string) (string, error)) ([]string, error) {
	tokens, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse start command: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("start command is empty")
	}

	extra := loraArgs(p, cfg.LoRA)

	if cfg.LaunchMode != LaunchModePythonAPI {
		return append(tokens, extra...), nil
	}

	prefix := pythonPrefix(cfg.PythonLauncher, lookPath)

	if p.PassThroughPython {
		switch {
		case isPythonToken(tokens[0]) && len(tokens) > 1 && tokens[1] == "-m":
			return append(tokens, extra...), nil
		case tokens[0] == "-m":
			return append(append(prefix, tokens...), extra...), nil
		case strings.HasPrefix(tokens[0], p.Name+"."):
			argv := append(prefix, "-m")
			return append(append(argv, tokens...), extra...), nil
		default:
			return append(tokens, extra...), nil
		}
	}

	argv := append(prefix, "-m", p.Module)
	argv = append(argv, stripWrapper(p, tokens)...)
	return append(argv, extra...), nil
}

// stripWrapper removes interpreter and module tokens so only engine flags remain.
func stripWrapper(p Profile, tokens []string) []string {
	wrapper := make(map[string]struct{}, len(p.WrapperTokens))
	for _, t := range p.WrapperTokens {
		wrapper[t] = struct{}{}
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if isPythonToken(t) {
			continue
		}
		if t == "-m" && i+1 < len(tokens) {
			i++
			continue
		}
		if _, ok := wrapper[t]; ok {
			continue
		}
		if t == "serve" && len(out) == 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isPythonToken(t string) bool {
	base := t
	if i := strings.LastIndex(t, "/"); i >= 0 {
		base = t[i+1:]
	}
	return base == "python" || base == "python3"
}

func pythonPrefix(cfg config.PythonLauncherConfig, lookPath func(string) (string, error)) []string {
	if cfg.CondaEnv != "" {
		if _, err := lookPath("conda"); err == nil {
			return []string{"conda", "run", "-n", cfg.CondaEnv, "python"}
		}
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	return []string{python}
}

func loraArgs(p Profile, cfg config.LoRAConfig) []string {
	if !p.SupportsLoRA || !cfg.Enabled {
		return nil
	}

	args := []string{"--enable-lora"}
	if cfg.MaxLoRARank > 0 {
		args = append(args, "--max-lora-rank", strconv.Itoa(cfg.MaxLoRARank))
	}
	if cfg.MaxLoRAs > 0 {
		args = append(args, "--max-loras", strconv.Itoa(cfg.MaxLoRAs))
	}
	if cfg.MaxCPULoRAs > 0 {
		args = append(args, "--max-cpu-loras", strconv.Itoa(max(cfg.MaxCPULoRAs, cfg.MaxLoRAs)))
	}

	if len(cfg.Preload) > 0 {
		args = append(args, "--lora-modules")
		for _, m := range cfg.Preload {
			if m.Name == "" || m.Path == "" {
				continue
			}
			if m.BaseModelName == "" {
				args = append(args, m.Name+"="+m.Path)
				continue
			}
			spec, _ := json.Marshal(struct {
				Name          string `json:"name"`
				Path          string `json:"path"`
				BaseModelName string `json:"base_model_name"`
			}{m.Name, m.Path, m.BaseModelName})
			args = append(args, string(spec))
		}
	}

	if len(cfg.DefaultMMLoRAs) > 0 {
		data, _ := json.Marshal(cfg.DefaultMMLoRAs)
		args = append(args, "--default-mm-loras", string(data))
	}
	if len(cfg.LimitMMPerPrompt) > 0 {
		data, _ := json.Marshal(cfg.LimitMMPerPrompt)
		args = append(args, "--limit-mm-per-prompt", string(data))
	}
	return args
}

func defaultLookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'{}") {
			quoted[i] = strconv.Quote(a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
