package types

// NodeFlat is the flat projection of a node: no children are serialized.
type NodeFlat struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	NodeType NodeType          `json:"nodeType"`
	Labels   map[string]string `json:"labels"`
	Target   *Target           `json:"target,omitempty"`
}

// NodeNested is the nested projection of a node. Children hold only active
// nodes; an empty slice is serialized as [] rather than omitted.
type NodeNested struct {
	NodeFlat
	Children []NodeNested `json:"children"`
}

// Flat builds the flat projection of n with its (optional) target.
func Flat(n *DiscoveryNode, target *Target) NodeFlat {
	labels := n.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return NodeFlat{
		ID:       n.ID,
		Name:     n.Name,
		NodeType: n.NodeType,
		Labels:   labels,
		Target:   target,
	}
}
