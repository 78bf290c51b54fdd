package types

import "time"

// NodeType is the kind tag of a discovery node
type NodeType string

const (
	Universe   NodeType = "Universe"
	Realm      NodeType = "Realm"
	Namespace  NodeType = "Namespace"
	Deployment NodeType = "Deployment"
	Pod        NodeType = "Pod"
	Container  NodeType = "Container"
	JVM        NodeType = "JVM"
)

// String returns the node type name
func (t NodeType) String() string { return string(t) }

// DiscoveryNode is an entry of the discovery tree. Environment nodes group
// children, target nodes reference exactly one Target.
type DiscoveryNode struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name" validate:"notblank"`
	NodeType  NodeType          `json:"nodeType" validate:"notblank"`
	Labels    map[string]string `json:"labels"`
	DeletedAt *time.Time        `json:"deletedAt,omitempty"`
	ParentID  *int64            `json:"parentId,omitempty"`
	TargetID  *int64            `json:"targetId,omitempty"`
}

// DeletedTime and SetDeletedTime make a node a softdelete record
func (n *DiscoveryNode) DeletedTime() *time.Time     { return n.DeletedAt }
func (n *DiscoveryNode) SetDeletedTime(t *time.Time) { n.DeletedAt = t }

// HasTarget reports whether the node terminates in a target
func (n *DiscoveryNode) HasTarget() bool { return n.TargetID != nil }

// Clone returns a deep copy
func (n *DiscoveryNode) Clone() *DiscoveryNode {
	c := *n
	c.Labels = copyMap(n.Labels)
	c.DeletedAt = copyTime(n.DeletedAt)
	c.ParentID = copyID(n.ParentID)
	c.TargetID = copyID(n.TargetID)
	return &c
}

// Annotations carries metadata attached to a target by the platform that
// discovered it and by the registry itself
type Annotations struct {
	Platform  map[string]string `json:"platform"`
	Discovery map[string]string `json:"discovery"`
}

// Target is one discovered, monitorable JVM process
type Target struct {
	ID              int64             `json:"id"`
	ConnectURL      string            `json:"connectUrl" validate:"notblank,connecturl"`
	JvmID           string            `json:"jvmId,omitempty"`
	Alias           string            `json:"alias"`
	Labels          map[string]string `json:"labels"`
	Annotations     Annotations       `json:"annotations"`
	DeletedAt       *time.Time        `json:"deletedAt,omitempty"`
	DiscoveryNodeID *int64            `json:"discoveryNodeId,omitempty"`
}

// DeletedTime and SetDeletedTime make a target a softdelete record
func (t *Target) DeletedTime() *time.Time      { return t.DeletedAt }
func (t *Target) SetDeletedTime(ts *time.Time) { t.DeletedAt = ts }

// Clone returns a deep copy
func (t *Target) Clone() *Target {
	c := *t
	c.Labels = copyMap(t.Labels)
	c.Annotations = Annotations{
		Platform:  copyMap(t.Annotations.Platform),
		Discovery: copyMap(t.Annotations.Discovery),
	}
	c.DeletedAt = copyTime(t.DeletedAt)
	c.DiscoveryNodeID = copyID(t.DiscoveryNodeID)
	return &c
}

// Normalize replaces nil maps with empty ones so persisted rows never carry nulls
func (t *Target) Normalize() {
	if t.Labels == nil {
		t.Labels = map[string]string{}
	}
	if t.Annotations.Platform == nil {
		t.Annotations.Platform = map[string]string{}
	}
	if t.Annotations.Discovery == nil {
		t.Annotations.Discovery = map[string]string{}
	}
}

// Normalize replaces a nil label map with an empty one
func (n *DiscoveryNode) Normalize() {
	if n.Labels == nil {
		n.Labels = map[string]string{}
	}
}

// ID returns a pointer to a copy of id, for optional reference fields
func ID(id int64) *int64 { return &id }

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
