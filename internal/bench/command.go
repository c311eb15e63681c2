package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/pkg/model"
)

// DefaultCommand is the command run for tests without a configured one.
// Placeholders are replaced by Command.Argv.
var DefaultCommand = []string{"vpnbench-probe", "{test}", "{target}"}

// Command runs tests as commands on the source machine. The command must
// print the data object of the test family as JSON on stdout.
type Command struct {
	Runner remote.Runner
	// Commands maps a test to its argv. The placeholders {test}, {vpn} and
	// {target} are expanded in every argument.
	Commands map[model.TestKind][]string
}

// Argv returns the expanded command of test.
func (c *Command) Argv(test model.TestKind, vpn model.VPN, target string) []string {
	tmpl, ok := c.Commands[test]
	if !ok {
		tmpl = DefaultCommand
	}
	r := strings.NewReplacer("{test}", string(test), "{vpn}", string(vpn), "{target}", target)
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = r.Replace(a)
	}
	return argv
}

// Run implements TestRunner.
func (c *Command) Run(ctx context.Context, test model.TestKind, vpn model.VPN, source, target string) (interface{}, error) {
	res, err := c.Runner.Run(ctx, source, c.Argv(test, vpn, target)...)
	if err != nil {
		return nil, err
	}
	out := bytes.TrimSpace([]byte(res.Stdout))
	if len(out) == 0 || out[0] != '{' || !json.Valid(out) {
		return nil, fmt.Errorf("%s on %s: output is not a JSON object", test, source)
	}
	return json.RawMessage(out), nil
}
