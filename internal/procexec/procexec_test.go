package procexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"go test ./...", []string{"go", "test", "./..."}},
		{`golangci-lint run --timeout "5m 0s"`, []string{"golangci-lint", "run", "--timeout", "5m 0s"}},
		{"echo 'a; rm -rf /'", []string{"echo", "a; rm -rf /"}},
		{"echo $HOME", []string{"echo", "$HOME"}},
	}
	for _, tt := range tests {
		got, err := Split(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := Split("   ")
	assert.Error(t, err)
	_, err = Split(`echo "unterminated`)
	assert.Error(t, err)
}

func TestRun_ExitCodes(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	res, err = Run(context.Background(), Spec{Argv: []string{"false"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRun_NoShellInterpretation(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"echo", "a;", "echo", "b", "|", "cat"}})
	require.NoError(t, err)
	assert.Equal(t, "a; echo b | cat\n", res.Output)
}

func TestRun_Stdin(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"cat"}, Stdin: strings.NewReader("prompt text")})
	require.NoError(t, err)
	assert.Equal(t, "prompt text", res.Output)
}

func TestRun_NotFound(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"definitely-not-a-real-binary-xyz"}})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Output, "definitely-not-a-real-binary-xyz")
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Spec{Argv: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Output, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Spec{Argv: []string{"sleep", "10"}, Timeout: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 5}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", b.String())
	assert.True(t, b.dropped)
	b.Write([]byte("0123456789"))
	assert.Equal(t, "56789", b.String())

	exact := &tailBuffer{max: 5}
	exact.Write([]byte("12345"))
	assert.Equal(t, "12345", exact.String())
	assert.False(t, exact.dropped)
}

func TestRun_TruncatedFlag(t *testing.T) {
	res, err := Run(context.Background(), Spec{Argv: []string{"echo", "0123456789"}, MaxOutput: 4})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "789\n", res.Output)

	res, err = Run(context.Background(), Spec{Argv: []string{"echo", "ok"}})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
}

func TestRun_SeparateStderr(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present"), nil, 0644))
	argv := []string{"ls", "present", "tandem-missing-file"}

	res, err := Run(context.Background(), Spec{Argv: argv, Dir: dir, SeparateStderr: true})
	require.NoError(t, err)
	assert.NotZero(t, res.ExitCode)
	assert.Equal(t, "present\n", res.Output)
	assert.Contains(t, res.Stderr, "tandem-missing-file")

	combined, err := Run(context.Background(), Spec{Argv: argv, Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, combined.Output, "present")
	assert.Contains(t, combined.Output, "tandem-missing-file")
	assert.Empty(t, combined.Stderr)
}
