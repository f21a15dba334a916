package kafka

// Topic definitions for Kafka event streaming
const (
	// TopicDecisionEvents carries governance DecisionEvents to the audit store
	TopicDecisionEvents = "costops.decision_events"
)
