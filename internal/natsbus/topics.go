package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicConsensusNode(cluster, nodeID string) string {
	return fmt.Sprintf("consensus.%s.node.%s", cluster, nodeID)
}

func TopicConsensusBroadcast(cluster string) string {
	return fmt.Sprintf("consensus.%s.broadcast", cluster)
}

func TopicConsensusKeys(cluster string) string {
	return fmt.Sprintf("consensus.%s.keys", cluster)
}

func TopicEventsNode(nodeID string) string {
	return fmt.Sprintf("events.consensus.%s", nodeID)
}

func TopicEventsSwarmID(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func TopicEventsAgentID(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

// TopicWork is where task dispatches for a given task type are requested;
// workers subscribe here and reply with the task outcome.
func TopicWork(taskType string) string {
	return fmt.Sprintf("work.%s", taskType)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsConsensus    = "events.consensus.*"
	TopicEventsSwarm        = "events.swarm.*"
	TopicEventsAgent        = "events.agent.*"
	TopicEventsTaskExecuted = "events.scheduler.executed"
)
