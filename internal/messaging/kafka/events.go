package kafka

// EventType определяет тип события
type EventType string

const (
	// Cart события
	EventTypeCartCreated   EventType = "cart.created"
	EventTypeCartRestarted EventType = "cart.restarted"

	// Checkout события
	EventTypeCheckoutStarted    EventType = "checkout.started"
	EventTypeCheckoutNeedsInput EventType = "checkout.needs_input"
	EventTypeCheckoutSucceeded  EventType = "checkout.succeeded"
	EventTypeCheckoutFailed     EventType = "checkout.failed"
)

// Topics для Kafka
const (
	TopicCartEvents      = "subplat.cart.events"
	TopicDeadLetterQueue = "subplat.cart.dlq" // Dead Letter Queue для failed messages
)
