package telemetry

import (
	"os"
	"path/filepath"

	"github.com/sitetools/opsdaemon/model"
)

// publishText drops a text-exposition file into the configured directory,
// for a local file-based collector to pick up. Same numeric-only and
// namespace-prefix rules as the HTTP sink.
func (p *Publisher) publishText(m *model.Metric, opts SinkOptions) Reason {
	if !opts.Text {
		return DisabledByConfiguration
	}
	if m.Name() == "" {
		return NameUnavailable
	}
	if _, ok := m.Value(); !ok {
		return ValueUnavailable
	}
	if !m.Numeric() {
		return ValueUnsuited
	}

	name := prefixed(m.Name(), opts.TextPrefix, true)
	body := exposition(m, name)

	if p.dummy {
		p.logger.Infof("dummy: would write %q to %s", body, p.node.DropDir)
		return Success
	}
	if p.node.DropDir == "" {
		return NoEndpointConfigured
	}

	path := filepath.Join(p.node.DropDir, name+".prom")
	// write-then-rename so the collector never reads a half-written file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		p.logger.Errorf("texting %s: %v", path, err)
		return TransportError
	}
	if err := os.Rename(tmp, path); err != nil {
		p.logger.Errorf("texting %s: %v", path, err)
		return TransportError
	}
	return Success
}
