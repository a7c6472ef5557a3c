package server

import (
	"samgpt/internal/circuit"
	"samgpt/internal/dispatch"
	"samgpt/internal/notify"
	"samgpt/internal/observability"
)

// EventBridge forwards pool and dispatcher lifecycle events to the UI event
// stream and mirrors them into the pipeline metrics. Its methods match the
// event sink signatures of circuit.Pool and dispatch.Dispatcher.
type EventBridge struct {
	hub      *Hub
	pipeline *observability.PipelineMetrics
}

// NewEventBridge wires a bridge over the hub. pipeline may be nil.
func NewEventBridge(hub *Hub, pipeline *observability.PipelineMetrics) *EventBridge {
	return &EventBridge{hub: hub, pipeline: pipeline}
}

// CircuitEvent is the circuit pool event sink.
func (b *EventBridge) CircuitEvent(event circuit.Event) {
	switch event.Type {
	case circuit.EventRotated:
		b.pipeline.RecordRotation(string(event.Reason))
	case circuit.EventCooldownStarted:
		b.pipeline.RecordCooldown()
	case circuit.EventDegradedSelection:
		b.pipeline.RecordDegradedSelection()
	}
	b.hub.Broadcast(KindCircuit, event)
}

// DispatchEvent is the dispatcher event sink.
func (b *EventBridge) DispatchEvent(event dispatch.Event) {
	switch event.Type {
	case dispatch.EventDispatched:
		b.pipeline.RecordDispatch(event.Operation)
	case dispatch.EventRetryScheduled:
		b.pipeline.RecordRetry(event.Operation)
	case dispatch.EventExhausted:
		b.pipeline.RecordExhaustion(event.Operation)
	}
	b.hub.Broadcast(KindDispatch, event)
}

// HubNotifier forwards operator notices to the event stream so scheduled
// sweep results reach the UI alongside circuit and dispatch events.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier wraps the hub as a notification sink.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

type noticeEvent struct {
	Level   notify.Level `json:"level"`
	Title   string       `json:"title"`
	Message string       `json:"message"`
}

// Notify implements notify.Notifier.
func (n *HubNotifier) Notify(level notify.Level, title, message string) {
	n.hub.Broadcast(KindNotice, noticeEvent{Level: level, Title: title, Message: message})
}

var _ notify.Notifier = (*HubNotifier)(nil)
