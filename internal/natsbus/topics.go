package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicSwarmEvents(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func TopicAgentEvents(swarmID, agentName string) string {
	return fmt.Sprintf("events.swarm.%s.agent.%s", swarmID, agentName)
}

func TopicAgentStream(sessionID string) string {
	return fmt.Sprintf("stream.session.%s", sessionID)
}

func TopicMemoryConsolidate(swarmID string) string {
	return fmt.Sprintf("jobs.memory.consolidate.%s", swarmID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsSwarms    = "events.swarm.*"
	TopicJobsMemory      = "jobs.memory.consolidate.*"
	TopicSchedulerEvents = "events.scheduler"
)
