package agent

import (
	"path"
	"strings"

	"github.com/aether-os/aether/internal/tools"
)

// fsMutatingTools are built-ins whose path argument is checked against the
// process cwd root.
var fsMutatingTools = map[string]bool{
	"fs_write": true,
	"fs_mkdir": true,
	"fs_rm":    true,
}

// needsApproval classifies one tool call against the approval policy: any
// of {write outside the cwd root, child spawn, external network side
// effect, step budget gate reached} suspends the agent for a decision.
func needsApproval(tool *tools.Tool, args map[string]any, cwd string, step, approvalStepGate int) bool {
	if tool.ApprovalRequired {
		return true
	}
	if approvalStepGate > 0 && step >= approvalStepGate {
		return true
	}
	if fsMutatingTools[tool.Name] {
		return writesOutsideRoot(stringArg(args, "path"), cwd)
	}
	return false
}

// writesOutsideRoot reports whether target escapes the cwd root. An empty
// cwd means the process owns its whole user subtree.
func writesOutsideRoot(target, cwd string) bool {
	if cwd == "" || cwd == "/" {
		return false
	}
	clean := path.Clean("/" + strings.TrimPrefix(target, "/"))
	root := path.Clean("/" + strings.TrimPrefix(cwd, "/"))
	return clean != root && !strings.HasPrefix(clean, root+"/")
}
