package domain

// Logical stream topics. Producers append, consumer groups read.
const (
	StreamCommands      = "orchestrator.commands"
	StreamSignals       = "analysis.signals"
	StreamRiskRequests  = "risk.requests"
	StreamRiskResponses = "risk.responses"
	StreamOrders        = "exec.orders"
	StreamOrderStatus   = "exec.status"
	StreamNotify        = "notify.events"
)

// Consumer group names, one per consuming role.
const (
	GroupAnalyst      = "analyst"
	GroupOrchestrator = "orchestrator"
	GroupRisk         = "risk"
	GroupExec         = "exec"
	GroupNotify       = "notify"
)

// DLQStream returns the companion dead-letter stream name for a stream.
func DLQStream(stream string) string {
	return stream + ".dlq"
}
