package main

import (
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haStream"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

// writeStreamEventsToMetricsRegistry counts every event and mirrors numeric entity
// states into ha_entity_state.
func writeStreamEventsToMetricsRegistry(m *metrics, logger *zap.SugaredLogger) haStream.Handler {
	return func(event haStructs.StreamEvent) {
		m.streamEvents.WithLabelValues(event.EventType).Inc()

		change, ok := haStructs.ParseStateChange(event)
		if !ok {
			logger.Debugf("%s from %s", event.EventType, event.Origin)
			return
		}
		domain := haStructs.EntityDomain(change.EntityId)
		if change.NewState == nil {
			logger.Infof("%s removed", change.EntityId)
			m.entityState.DeleteLabelValues(change.EntityId, domain)
			return
		}
		value, ok := haStructs.NumericState(change.NewState.State)
		if !ok {
			logger.Debugf("%s, State: %s", change.EntityId, change.NewState.State)
			return
		}
		logger.Infof("%s, State: %s, Value: %f", change.NewState.DisplayName(), change.NewState.State, value)
		m.entityState.WithLabelValues(change.EntityId, domain).Set(value)
	}
}
