package tasklink

var (
	MetricRequestSent       = []string{"tasklink", "request", "sent", "count"}
	MetricRequestBounced    = []string{"tasklink", "request", "bounced", "count"}
	MetricRequestTimeout    = []string{"tasklink", "request", "timeout", "count"}
	MetricRequestCancelled  = []string{"tasklink", "request", "cancelled", "count"}
	MetricRequestLate       = []string{"tasklink", "response", "late", "count"}
	MetricRequestDuplicate  = []string{"tasklink", "request", "duplicate", "count"}
	MetricResponseReplayed  = []string{"tasklink", "response", "replayed", "count"}
	MetricResponseDropped   = []string{"tasklink", "response", "dropped", "count"}
	MetricBackpressureCount = []string{"tasklink", "backpressure", "count"}
	MetricAckCount          = []string{"tasklink", "ack", "count"}
	MetricSequenceReset     = []string{"tasklink", "sequence", "reset", "count"}
	MetricChannelOpened     = []string{"tasklink", "channel", "opened", "count"}
	MetricChannelHalted     = []string{"tasklink", "channel", "halted", "count"}
	MetricPeerJoined        = []string{"tasklink", "peer", "joined", "count"}
	MetricPeerLeft          = []string{"tasklink", "peer", "left", "count"}
	MetricPeerReconnect     = []string{"tasklink", "peer", "reconnect", "count"}
	MetricPeerMalformed     = []string{"tasklink", "peer", "malformed", "count"}
	MetricBindingGossip     = []string{"tasklink", "binding", "gossip", "count"}
)

const (
	ackPiggyBacked = "piggy_backed"
	ackStandalone  = "standalone"
)
