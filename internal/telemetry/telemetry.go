// Package telemetry multiplexes a Metric to up to three heterogeneous
// sinks: a retained-messaging bus, an HTTP push-gateway and a local
// text-exposition file. Each sink has its own enable flag, addressing rules
// and value constraints; a failure on one sink never aborts the others.
package telemetry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sitetools/opsdaemon/internal/node"
	"github.com/sitetools/opsdaemon/model"
)

// Reason is a per-sink publish outcome. Zero means success.
type Reason int

const (
	Success                 Reason = iota
	DisabledByConfiguration        // sink disabled in the publish options
	ValueUnavailable               // metric has no value
	ValueUnsuited                  // non-numeric value on a numeric-only sink
	NameUnavailable                // metric has no name
	NoEndpointConfigured           // no broker / URL / drop directory
	TransportError                 // endpoint reachable rules violated or I/O failed
)

func (r Reason) String() string {
	switch r {
	case Success:
		return "success"
	case DisabledByConfiguration:
		return "disabled by configuration"
	case ValueUnavailable:
		return "value unavailable"
	case ValueUnsuited:
		return "value unsuited"
	case NameUnavailable:
		return "name unavailable"
	case NoEndpointConfigured:
		return "no endpoint configured"
	case TransportError:
		return "transport error"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// NamespacePrefix is forced onto metric names on the HTTP and text sinks
// when not already present, so gateway-side names stay in one namespace.
const NamespacePrefix = "opsd_"

// SinkOptions independently toggles the three sinks, each with an optional
// name prefix applied before the namespace rule.
type SinkOptions struct {
	Messaging       bool
	MessagingPrefix string
	HTTP            bool
	HTTPPrefix      string
	Text            bool
	TextPrefix      string
}

// Result carries one reason code per sink.
type Result struct {
	Messaging Reason
	HTTP      Reason
	Text      Reason
}

// Publisher pushes metrics to the sinks addressed by the current node
// context. In dummy mode every external side effect degrades to a logged
// no-op that reports success.
type Publisher struct {
	logger *zap.SugaredLogger
	node   *node.Context
	dummy  bool
	mqtt   mqtt.Client
	http   *http.Client
}

// NewPublisher creates a publisher for the given node context.
func NewPublisher(nctx *node.Context, dummy bool, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		logger: logger,
		node:   nctx,
		dummy:  dummy,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

// SetNode swaps the node context. Called on re-resolution so day-rotated
// endpoints take effect without a restart.
func (p *Publisher) SetNode(nctx *node.Context) {
	p.node = nctx
}

// SetMessaging attaches a connected messaging client.
func (p *Publisher) SetMessaging(c mqtt.Client) {
	p.mqtt = c
}

// Node returns the current node context.
func (p *Publisher) Node() *node.Context { return p.node }

// Publish pushes the metric to every enabled sink and reports the per-sink
// outcome. Sinks are independent: a reason code on one never short-circuits
// another.
func (p *Publisher) Publish(m *model.Metric, opts SinkOptions) Result {
	return Result{
		Messaging: p.publishMessaging(m, opts),
		HTTP:      p.publishHTTP(m, opts),
		Text:      p.publishText(m, opts),
	}
}

// prefixed applies the per-sink prefix, then forces the namespace prefix
// used by the numeric sinks.
func prefixed(name, sinkPrefix string, namespaced bool) string {
	name = sinkPrefix + name
	if namespaced && !strings.HasPrefix(name, NamespacePrefix) {
		name = NamespacePrefix + name
	}
	return name
}

// exposition renders the Prometheus text-exposition body for the metric
// under its final name. TYPE and HELP lines are emitted only when known.
func exposition(m *model.Metric, name string) string {
	var b strings.Builder
	if m.Type() != "" {
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, m.Type())
	}
	if m.Help() != "" {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, m.Help())
	}
	value, _ := m.Value()
	fmt.Fprintf(&b, "%s %s\n", name, value)
	return b.String()
}
