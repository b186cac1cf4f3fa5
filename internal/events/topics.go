package events

// Topic constants for events emitted by the payment core.
const (
	TopicOrderPaid        = "order.paid"
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentCancelled = "payment.cancelled"
	TopicPaymentRefunded  = "payment.refunded"
)

// DefaultTopics returns the topics forwarded to external sinks.
func DefaultTopics() []string {
	return []string{
		TopicOrderPaid,
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentCancelled,
		TopicPaymentRefunded,
	}
}
