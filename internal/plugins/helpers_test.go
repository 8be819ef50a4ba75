package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/tools"
)

func toolsExecContext() tools.ExecContext {
	return tools.ExecContext{PID: 1, UID: "u1", CWD: "/"}
}

func rewriteManifest(t *testing.T, pluginDir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.json"), []byte(content), 0o644))
}
