package models

// ModelRecord is a discovery-time snapshot of one locally available model.
// It is read-only and has no lifecycle beyond the discovery run that
// produced it.
type ModelRecord struct {
	Name         string     `json:"name"`
	Provider     string     `json:"provider"`
	Capability   Capability `json:"capability"`
	SizeBytes    int64      `json:"sizeBytes,omitempty"`
	Quantization string     `json:"quantization,omitempty"`
	DisplayName  string     `json:"displayName,omitempty"`
}
