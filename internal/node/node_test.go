package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitetools/opsdaemon/model"
)

func writeNodeFile(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "node.json"), []byte(content), 0o644))
}

func TestResolveWithoutRoots(t *testing.T) {
	t.Setenv(RootsEnv, "")

	ctx, err := Resolve()
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	require.Equal(t, hostname, ctx.Name)
	require.Empty(t, ctx.BrokerURL)
	require.Empty(t, ctx.Source)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	writeNodeFile(t, root, `{
		"name": "web01",
		"broker": "[eval:\"tcp://broker.\" + node + \":1883\"]",
		"gateway": "http://pushgw:9091",
		"dropDir": "/var/spool/metrics/[eval:date]",
		"labels": ["env=prod", "host=[eval:node]"]
	}`)
	t.Setenv(RootsEnv, root)

	ctx, err := Resolve()
	require.NoError(t, err)

	require.Equal(t, "web01", ctx.Name)
	require.Equal(t, "tcp://broker.web01:1883", ctx.BrokerURL)
	require.Equal(t, "http://pushgw:9091", ctx.GatewayURL)
	require.Equal(t, "/var/spool/metrics/"+time.Now().Format("20060102"), ctx.DropDir)
	require.Equal(t, []model.Label{{Name: "env", Value: "prod"}, {Name: "host", Value: "web01"}}, ctx.Labels)
	require.Equal(t, filepath.Join(root, "etc", "node.json"), ctx.Source)
}

func TestResolveFirstRootWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeNodeFile(t, first, `{"name": "first"}`)
	writeNodeFile(t, second, `{"name": "second"}`)
	t.Setenv(RootsEnv, first+string(os.PathListSeparator)+second)

	ctx, err := Resolve()
	require.NoError(t, err)
	require.Equal(t, "first", ctx.Name)
}

func TestResolveBadLabel(t *testing.T) {
	root := t.TempDir()
	writeNodeFile(t, root, `{"labels": ["not-a-pair"]}`)
	t.Setenv(RootsEnv, root)

	_, err := Resolve()
	require.Error(t, err)
}

func TestResolveBadJSON(t *testing.T) {
	root := t.TempDir()
	writeNodeFile(t, root, `{`)
	t.Setenv(RootsEnv, root)

	_, err := Resolve()
	require.Error(t, err)
}
