package broker

import (
	"fmt"

	"chemchat/cmd/internal/event"
)

// Topic families: one logical topic per aggregate, keyed by aggregate id so
// all events for one conversation/message land in the same ordered partition.
const (
	TopicMessageEvents      = "chat.message.events"
	TopicConversationEvents = "chat.conversation.events"
	TopicUserEvents         = "chat.user.events"
)

// DLQSuffix is appended to a topic to form its parallel dead-letter topic.
const DLQSuffix = ".dlq"

// DLQ returns the dead-letter topic for a topic family.
func DLQ(topic string) string { return topic + DLQSuffix }

// RetrySuffix is appended to a topic to form its delayed-retry topic.
const RetrySuffix = ".retry"

// Retry returns the retry topic for a topic family.
func Retry(topic string) string { return topic + RetrySuffix }

// TopicFor routes an aggregate type to its topic family.
func TopicFor(aggregateType string) (string, error) {
	switch aggregateType {
	case event.AggregateMessage:
		return TopicMessageEvents, nil
	case event.AggregateConversation:
		return TopicConversationEvents, nil
	case event.AggregateUser:
		return TopicUserEvents, nil
	default:
		return "", fmt.Errorf("broker: no topic for aggregate type %q", aggregateType)
	}
}
