package supervisor

import (
	"io"
	"os"
	"strings"
)

const (
	tailLines    = 100
	summaryLines = 15
	tailMaxBytes = 256 << 10
)

// tailFile returns up to n trailing lines of path, reading at most
// tailMaxBytes from the end.
func tailFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}
	offset := info.Size() - tailMaxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 1 {
		lines = lines[1:] // partial first line
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

type hintRule struct {
	match func(upper string) bool
	hint  string
}

var hintRules = []hintRule{
	{
		match: func(u string) bool {
			return strings.Contains(u, "MARLIN_GEMM") || (strings.Contains(u, "OPERATOR") && strings.Contains(u, "DOES NOT EXIST"))
		},
		hint: "a custom operator is missing: the engine build does not match this quantization format, try a different quantization or rebuild the engine",
	},
	{
		match: func(u string) bool {
			return strings.Contains(u, "CUDA") && (strings.Contains(u, "ERROR") || strings.Contains(u, "FAILED"))
		},
		hint: "CUDA error: check the GPU driver and CUDA toolkit versions",
	},
	{
		match: func(u string) bool {
			return strings.Contains(u, "OUT OF MEMORY") || strings.Contains(u, "OOM")
		},
		hint: "out of memory: lower gpu_memory_utilization or max_model_len, or use a smaller model",
	},
	{
		match: func(u string) bool {
			return strings.Contains(u, "MODEL") && (strings.Contains(u, "NOT FOUND") || strings.Contains(u, "CANNOT FIND"))
		},
		hint: "model not found: check the model path or name",
	},
}

// diagnose derives hints and an error summary from the tail of a crash log.
func diagnose(lines []string) (hints []string, summary []string) {
	seen := make(map[string]bool)
	for _, line := range lines {
		upper := strings.ToUpper(line)
		for _, r := range hintRules {
			if !seen[r.hint] && r.match(upper) {
				seen[r.hint] = true
				hints = append(hints, r.hint)
			}
		}
		if isErrorLine(line, upper) {
			summary = append(summary, line)
		}
	}
	if len(summary) > summaryLines {
		summary = summary[len(summary)-summaryLines:]
	}
	return hints, summary
}

func isErrorLine(line, upper string) bool {
	return strings.Contains(upper, "ERROR") ||
		strings.Contains(line, "Traceback") ||
		strings.Contains(line, "RuntimeError") ||
		strings.Contains(line, "Exception") ||
		strings.Contains(line, "ValidationError")
}
