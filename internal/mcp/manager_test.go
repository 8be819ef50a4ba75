package mcp

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var namespacedTool = regexp.MustCompile(`^mcp__[^_]+__.+$`)

func TestNamespacedNameMatchesGrammar(t *testing.T) {
	cases := []struct {
		serverID, tool string
	}{
		{"fs", "read_file"},
		{"github-prod", "create_issue"},
		{SanitizeServerID("my_server"), "run"},
	}
	for _, c := range cases {
		name := NamespacedName(c.serverID, c.tool)
		assert.True(t, namespacedTool.MatchString(name), name)
	}
}

func TestSanitizeServerID(t *testing.T) {
	assert.Equal(t, "my-server", SanitizeServerID("my_server"))
	assert.Equal(t, "plain", SanitizeServerID("plain"))
}

func TestPrefixReserved(t *testing.T) {
	// Built-in tool names never start with the MCP prefix, so a proxied
	// name cannot collide with one.
	assert.Equal(t, "mcp__fs__read_file", NamespacedName("fs", "read_file"))
}
