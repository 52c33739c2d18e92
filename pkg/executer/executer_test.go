package executer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuterUserHandling(t *testing.T) {
	t.Run("running with no options", func(t *testing.T) {
		e := NewCommonExecuter()
		_, _, code := e.ExecuteWithContext(context.Background(), "true")
		require.Equal(t, 0, code)
	})

	t.Run("nonzero exit code is captured", func(t *testing.T) {
		e := NewCommonExecuter()
		_, _, code := e.ExecuteWithContext(context.Background(), "false")
		require.Equal(t, 1, code)
	})

	t.Run("stdout is captured", func(t *testing.T) {
		e := NewCommonExecuter()
		out, _, code := e.ExecuteWithContext(context.Background(), "echo", "hi")
		require.Equal(t, 0, code)
		require.Contains(t, out, "hi")
	})

	t.Run("setting homedir", func(t *testing.T) {
		e := NewCommonExecuter(WithHomeDir("/tmp"))
		out, _, code := e.ExecuteWithContext(context.Background(), "env")
		require.Equal(t, 0, code)
		require.Contains(t, out, "HOME=/tmp")
	})

	t.Run("running as unlikely uid fails", func(t *testing.T) {
		e := NewCommonExecuter(WithUIDAndGID(8484, 8484))
		_, _, code := e.ExecuteWithContext(context.Background(), "env")
		require.Equal(t, -1, code)
	})
}
