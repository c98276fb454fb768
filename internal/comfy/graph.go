package comfy

// Node is one operation in a prompt graph. Inputs holds literal values
// and references to other nodes' outputs.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a full prompt graph keyed by node id, in ComfyUI's native
// /prompt wire format. Graphs are immutable once built.
type Graph map[string]Node

// Ref encodes a reference to another node's output slot in the wire
// format ComfyUI expects: ["nodeID", slotIndex].
func Ref(nodeID string, slot int) []any {
	return []any{nodeID, slot}
}
