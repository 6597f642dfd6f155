// Package node resolves the execution node's identity and telemetry
// endpoints. The full hierarchical site configuration lives outside this
// daemon; only the resolved values the daemon consumes are modeled here.
//
// Resolution is repeated on every listen tick so that day-based rotations of
// telemetry destinations (a dated drop directory, for example) take effect
// without a restart.
package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sitetools/opsdaemon/model"
)

// RootsEnv lists one or more filesystem roots, separated by the platform
// path-list separator, in which node configuration is discovered.
const RootsEnv = "OPSD_ROOTS"

// candidate locations of the node file under each root, tried in order.
var nodeFiles = []string{
	filepath.Join("etc", "node.json"),
	"node.json",
}

// Context holds the resolved node values the daemon consumes.
type Context struct {
	Name       string        // node identity, defaults to the hostname
	BrokerURL  string        // messaging broker, empty when not configured
	GatewayURL string        // HTTP push-gateway base URL
	DropDir    string        // drop directory for the text sink
	Labels     []model.Label // extra labels attached to every emitted metric
	Source     string        // path of the node file, empty for defaults
}

type nodeJSON struct {
	Name    *string  `json:"name"`
	Broker  *string  `json:"broker"`
	Gateway *string  `json:"gateway"`
	DropDir *string  `json:"dropDir"`
	Labels  []string `json:"labels"` // ordered "name=value" pairs
}

// Resolve discovers and loads the node context from the roots listed in
// RootsEnv. A missing node file is not an error: the daemon then runs with a
// hostname-only context and no telemetry endpoints.
func Resolve() (*Context, error) {
	hostname, _ := os.Hostname()
	ctx := &Context{Name: hostname}

	path := findNodeFile(os.Getenv(RootsEnv))
	if path == "" {
		return ctx, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node file %s: %w", path, err)
	}
	var nj nodeJSON
	if err := json.Unmarshal(raw, &nj); err != nil {
		return nil, fmt.Errorf("parse node file %s: %w", path, err)
	}

	eval := NewEvaluator(map[string]any{
		"hostname": hostname,
		"date":     time.Now().Format("20060102"),
	})

	if nj.Name != nil {
		if ctx.Name, err = eval.Expand(*nj.Name); err != nil {
			return nil, err
		}
	}
	eval.SetVar("node", ctx.Name)

	if ctx.BrokerURL, err = expandOpt(eval, nj.Broker); err != nil {
		return nil, err
	}
	if ctx.GatewayURL, err = expandOpt(eval, nj.Gateway); err != nil {
		return nil, err
	}
	if ctx.DropDir, err = expandOpt(eval, nj.DropDir); err != nil {
		return nil, err
	}

	for _, pair := range nj.Labels {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("node file %s: label %q is not name=value", path, pair)
		}
		if value, err = eval.Expand(value); err != nil {
			return nil, err
		}
		ctx.Labels = append(ctx.Labels, model.Label{Name: name, Value: value})
	}

	ctx.Source = path
	return ctx, nil
}

func expandOpt(eval *Evaluator, s *string) (string, error) {
	if s == nil {
		return "", nil
	}
	return eval.Expand(*s)
}

func findNodeFile(roots string) string {
	for _, root := range filepath.SplitList(roots) {
		if root == "" {
			continue
		}
		for _, rel := range nodeFiles {
			path := filepath.Join(root, rel)
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				return path
			}
		}
	}
	return ""
}
