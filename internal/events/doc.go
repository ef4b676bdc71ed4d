// ABOUTME: Package events publishes gateway events to downstream consumers
// ABOUTME: Fans out to an in-memory websocket broadcaster and a RabbitMQ exchange

// Package events delivers message, receipt and line status events.
//
// Every event is wrapped in an Event envelope and handed to a Publisher.
// The gateway composes a Multi of two publishers:
//
//   - Broadcaster: per-tenant in-memory channels behind the websocket
//     StreamHandler. Delivery is best effort; slow subscribers lose events.
//   - AMQPPublisher: a durable topic exchange, routing key
//     "<type>.<tenant>", persistent JSON bodies.
//
// Publishing never fails the operation that produced the event. The event
// log in the store is authoritative and consumers can reconcile from it.
package events
