package workunit

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"issueagent/pkg/errclass"
)

// CommandVerifier runs a check command (for example `make test`) inside the
// sandbox after the work unit finished. An empty Command always passes.
type CommandVerifier struct {
	Command []string
	Env     []string
}

// Verify runs the command in sandboxPath.
func (v CommandVerifier) Verify(ctx context.Context, sandboxPath string) error {
	if len(v.Command) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, v.Command[0], v.Command[1:]...)
	cmd.Dir = sandboxPath
	cmd.Env = append(cmd.Environ(), v.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if cerr := contextError(ctx, "verification"); cerr != nil {
			return cerr
		}
		return errclass.Wrap(err, errclass.WorkUnitFailure,
			fmt.Sprintf("verification %q failed\nOutput: %s", strings.Join(v.Command, " "), lastBytes(out.String(), 2000)))
	}
	return nil
}

// lastBytes returns the last n bytes of s.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
