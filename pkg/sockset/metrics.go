package sockset

var (
	MetricSocketInBytes          = []string{"tasklink", "socket", "in", "bytes"}
	MetricSocketOutBytes         = []string{"tasklink", "socket", "out", "bytes"}
	MetricSocketBackpressure     = []string{"tasklink", "socket", "backpressure", "count"}
	MetricSocketStateChanges     = []string{"tasklink", "socket", "state", "changes"}
	MetricSetAgedOut             = []string{"tasklink", "sockset", "aged", "out", "count"}
	MetricStreamEstInCount       = []string{"tasklink", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"tasklink", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"tasklink", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"tasklink", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"tasklink", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"tasklink", "connection", "error", "count"}
	MetricConnEstCount           = []string{"tasklink", "connection", "established", "count"}
)
