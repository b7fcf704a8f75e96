package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnose_Hints(t *testing.T) {
	lines := []string{
		"INFO loading weights",
		"RuntimeError: CUDA error: an illegal memory access was encountered",
		"torch.OutOfMemoryError: CUDA out of memory",
		"ERROR: operator _C::marlin_gemm does not exist",
		"ValueError: model /models/missing not found",
		"RuntimeError: CUDA error: device-side assert triggered",
	}

	hints, summary := diagnose(lines)

	require.Len(t, hints, 4)
	assert.Contains(t, hints[0], "CUDA")
	assert.True(t, containsSubstring(hints, "out of memory"))
	assert.True(t, containsSubstring(hints, "custom operator"))
	assert.True(t, containsSubstring(hints, "model not found"))

	assert.NotContains(t, summary, "INFO loading weights")
	assert.Contains(t, summary, "ERROR: operator _C::marlin_gemm does not exist")
	assert.Contains(t, summary, "torch.OutOfMemoryError: CUDA out of memory")
}

func TestDiagnose_SummaryKeepsLastLines(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, fmt.Sprintf("Exception %d", i))
	}

	_, summary := diagnose(lines)
	require.Len(t, summary, summaryLines)
	assert.Equal(t, "Exception 25", summary[0])
	assert.Equal(t, "Exception 39", summary[len(summary)-1])
}

func TestDiagnose_CleanLog(t *testing.T) {
	hints, summary := diagnose([]string{"INFO started", "INFO serving on :8002"})
	assert.Empty(t, hints)
	assert.Empty(t, summary)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	var b strings.Builder
	for i := 0; i < 250; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	lines := tailFile(path, tailLines)
	require.Len(t, lines, tailLines)
	assert.Equal(t, "line 150", lines[0])
	assert.Equal(t, "line 249", lines[len(lines)-1])

	assert.Nil(t, tailFile(filepath.Join(t.TempDir(), "missing.log"), 10))
}

func containsSubstring(items []string, sub string) bool {
	for _, it := range items {
		if strings.Contains(it, sub) {
			return true
		}
	}
	return false
}
