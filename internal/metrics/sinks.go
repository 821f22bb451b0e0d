package metrics

import (
	"time"

	"grimm.is/pfeval/internal/events"
)

// HubSink publishes each sample as an EventRuleCounters event.
type HubSink struct {
	Hub *events.Hub
}

// RecordSamples implements SampleSink.
func (s HubSink) RecordSamples(at time.Time, samples []RuleSample) error {
	for _, rs := range samples {
		s.Hub.Publish(events.Event{
			Type:      events.EventRuleCounters,
			Timestamp: at,
			Source:    "metrics",
			Data: events.RuleCountersData{
				Generation:  rs.Generation,
				Anchor:      rs.Anchor,
				Nr:          rs.Nr,
				Label:       rs.Label,
				Action:      rs.Action,
				Evaluations: rs.Stats.Evaluations,
				PacketsIn:   rs.Stats.PacketIn,
				PacketsOut:  rs.Stats.PacketOut,
				BytesIn:     rs.Stats.BytesIn,
				BytesOut:    rs.Stats.BytesOut,
			},
		})
	}
	return nil
}
