package telemetry

import (
	"io"
	"net/http"
	"strings"

	"github.com/sitetools/opsdaemon/model"
)

// publishHTTP posts the metric to the push-gateway. Only numeric values are
// accepted; the URL path appends /labelName/labelValue pairs in declaration
// order, which keeps re-posting idempotent.
func (p *Publisher) publishHTTP(m *model.Metric, opts SinkOptions) Reason {
	if !opts.HTTP {
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

	name := prefixed(m.Name(), opts.HTTPPrefix, true)
	url := gatewayURL(p.node.GatewayURL, m, name)
	body := exposition(m, name)

	if p.dummy {
		p.logger.Infof("dummy: would POST %q to %s", body, url)
		return Success
	}
	if p.node.GatewayURL == "" {
		return NoEndpointConfigured
	}

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		p.logger.Errorf("httping %s: %v", url, err)
		return TransportError
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Errorf("httping %s: %v", url, err)
		return TransportError
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Errorf("httping %s: unexpected status %d", url, resp.StatusCode)
		return TransportError
	}
	return Success
}

func gatewayURL(base string, m *model.Metric, name string) string {
	parts := []string{strings.TrimRight(base, "/")}
	for _, l := range m.Labels() {
		parts = append(parts, l.Name, l.Value)
	}
	parts = append(parts, name)
	return strings.Join(parts, "/")
}
