// Package telemetry holds the label names shared by logs and metrics, so
// a log line and the counter it explains can be joined on the same keys.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type Label string

var (
	LabelError        Label = "error"
	LabelChannelID    Label = "channel_id"
	LabelChannelType  Label = "channel_type"
	LabelRequestID    Label = "request_id"
	LabelPriority     Label = "priority"
	LabelBounce       Label = "bounce"
	LabelPeerInstance Label = "peer_instance"
	LabelPeerAddr     Label = "peer_addr"
	LabelPeerName     Label = "peer_name"
	LabelPath         Label = "path"
	LabelAckKind      Label = "ack_kind"
	LabelState        Label = "state"
)

// M returns the label as a metrics label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns the label as a log attribute.
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With appends labels to a static set without aliasing it.
func With(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(labels))
	out = append(out, static...)
	return append(out, labels...)
}
