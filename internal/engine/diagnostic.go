package engine

import "fmt"

// DiagnosticKind classifies why a frame or write was rejected.
type DiagnosticKind string

const (
	KindMalformedFrame   DiagnosticKind = "malformed_frame"
	KindTypeMismatch     DiagnosticKind = "type_mismatch"
	KindUnmappedDP       DiagnosticKind = "unmapped_dp"
	KindConversionFailed DiagnosticKind = "conversion_failed"
	KindNotWritable      DiagnosticKind = "not_writable"
)

// Diagnostic describes a dropped frame or a rejected outbound request.
// Cluster and Attribute are zero when unknown.
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	DP        uint8          `json:"dp,omitempty"`
	Cluster   uint16         `json:"cluster,omitempty"`
	Attribute uint16         `json:"attribute,omitempty"`
	Err       error          `json:"-"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s dp=%d cluster=0x%04X attr=0x%04X: %v", d.Kind, d.DP, d.Cluster, d.Attribute, d.Err)
}
