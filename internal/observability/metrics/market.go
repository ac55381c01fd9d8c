package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"OpenBazaar-Chain/internal/market"
)

type marketCollector struct {
	mu          sync.Mutex
	transitions map[string]uint64
	pollEvents  map[string]uint64
}

var marketMetrics = &marketCollector{
	transitions: make(map[string]uint64),
	pollEvents:  make(map[string]uint64),
}

func init() {
	register(marketMetrics)
}

// MarketSink feeds session lifecycle events into the metrics collector.
// It implements market.EventSink and can be fanned out alongside other sinks.
type MarketSink struct{}

var _ market.EventSink = MarketSink{}

// Emit records the event. Unknown kinds are counted under their own label.
func (MarketSink) Emit(event market.Event) {
	marketMetrics.mu.Lock()
	defer marketMetrics.mu.Unlock()
	if event.Kind == "state_change" {
		marketMetrics.transitions[event.State]++
		return
	}
	marketMetrics.pollEvents[event.Kind]++
}

func (c *marketCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.WriteString("# HELP bazaar_session_transitions_total Total number of session state transitions.\n")
	builder.WriteString("# TYPE bazaar_session_transitions_total counter\n")
	for _, state := range sortedKeys(c.transitions) {
		builder.WriteString(fmt.Sprintf("bazaar_session_transitions_total{state=\"%s\"} %d\n",
			escape(state), c.transitions[state]))
	}

	builder.WriteString("# HELP bazaar_poll_events_total Total number of ledger poll lifecycle events.\n")
	builder.WriteString("# TYPE bazaar_poll_events_total counter\n")
	for _, kind := range sortedKeys(c.pollEvents) {
		builder.WriteString(fmt.Sprintf("bazaar_poll_events_total{kind=\"%s\"} %d\n",
			escape(kind), c.pollEvents[kind]))
	}
	return builder.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
