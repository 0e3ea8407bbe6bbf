// Package types holds the shapes shared across Megaphone's broker and
// controller packages: agents, channels, events, pipes and the cluster
// custom resource the controller reconciles against.
package types

import "time"

// AgentStatusKind discriminates the three states a virtual agent can be in.
type AgentStatusKind string

const (
	AgentMaster  AgentStatusKind = "master"
	AgentReplica AgentStatusKind = "replica"
	AgentPiped   AgentStatusKind = "piped"
)

// AgentStatus is the tagged status of a virtual agent. Exactly one of the
// Kind-specific fields is meaningful for a given Kind.
type AgentStatus struct {
	Kind AgentStatusKind

	// ReplicaSessions is meaningful when Kind == AgentReplica: the number
	// of open inbound PipeAgentStart sessions for this agent.
	ReplicaSessions int

	// Pipes is meaningful when Kind == AgentPiped: the set of outbound
	// sinks this agent is currently forwarding to, keyed by an opaque
	// session handle assigned at registration time.
	Pipes map[string]PipeSink
}

// IsDistributed reports whether the agent is a replica with at least one
// open inbound session, or is currently piping out to peers.
func (s AgentStatus) IsDistributed() bool {
	switch s.Kind {
	case AgentReplica:
		return s.ReplicaSessions > 0
	case AgentPiped:
		return len(s.Pipes) > 0
	default:
		return false
	}
}

// PipeSink is the minimal interface the agent registry and the broker
// need from an outbound sync pipe: a non-blocking attempt to enqueue one
// SyncEvent. Concrete sinks live in package syncpipe.
type PipeSink interface {
	TrySend(event SyncEvent) bool
	Close()
}

// Agent is a virtual agent: the logical owner of a set of channels.
type Agent struct {
	Name     string
	Key      []byte // 256-bit AEAD key, random at creation
	ChangeTS time.Time
	Status   AgentStatus
	Features FeatureSet
}

// FeatureSet is a compact bitset of per-channel protocol features.
type FeatureSet uint32

const (
	// FeatureChunkedStream marks a channel as supporting NDJSON chunked
	// streaming reads. Enabled on every channel created by this broker.
	FeatureChunkedStream FeatureSet = 1 << 0
)

// Event is a single piece of data written into a channel.
type Event struct {
	StreamID  string
	EventID   string // 23-char random token, used for receiver-side dedupe
	Timestamp time.Time
	Body      []byte // opaque JSON value
}

// SyncEventKind discriminates the tagged union carried over a sync pipe.
type SyncEventKind string

const (
	SyncPipeAgentStart  SyncEventKind = "pipe_agent_start"
	SyncPipeAgentEnd    SyncEventKind = "pipe_agent_end"
	SyncChannelCreated  SyncEventKind = "channel_created"
	SyncChannelDisposed SyncEventKind = "channel_disposed"
	SyncEventReceived   SyncEventKind = "event_received"
)

// SyncEvent is one frame of the inter-node sync pipe wire protocol.
type SyncEvent struct {
	Kind SyncEventKind

	// PipeAgentStart / PipeAgentEnd
	AgentName string
	AgentKey  []byte

	// ChannelCreated / ChannelDisposed / EventReceived
	ChannelID string

	// EventReceived
	StreamID  string
	EventID   string
	Timestamp time.Time
	Body      []byte
}

// ClusterCR is the desired/observed state of one Megaphone cluster, the
// input and output of a controller reconcile cycle.
type ClusterCR struct {
	Name     string
	Image    string
	Replicas int
	// VirtualAgentsPerNode is how many fresh virtual agent IDs are minted
	// on each newly scaled-up pod.
	VirtualAgentsPerNode int
	Resources            ResourceLimits
	Status               ClusterStatus
}

// ResourceLimits mirror a container resource spec closely enough for the
// controller's satisfies_spec comparison; values are opaque strings so the
// controller never needs to understand units.
type ResourceLimits struct {
	CPULimit      string
	MemoryLimit   string
	CPURequest    string
	MemoryRequest string
}

// ClusterPhase is the coarse upgrade state of a cluster.
type ClusterPhase string

const (
	ClusterIdle    ClusterPhase = "idle"
	ClusterUpgrade ClusterPhase = "upgrade"
)

// ClusterStatus is the observed, reconciled state of a cluster.
type ClusterStatus struct {
	Pods        []string
	Services    []string
	Phase       ClusterPhase
	UpgradeSpec *UpgradeSpec
}

// UpgradeSpec records the target state of an in-progress rolling upgrade.
type UpgradeSpec struct {
	TargetImage string
}

// PodClassification is the controller's four-way bucketing of a pod based
// on the accepts-new-channels label and whether the pod's spec matches the
// cluster CR's current image/resources.
type PodClassification string

const (
	PodActive            PodClassification = "active"
	PodQueuedForTearDown PodClassification = "queued_for_tear_down"
	PodWarmingUp         PodClassification = "warming_up"
	PodTearingDown       PodClassification = "tearing_down"
	// PodQueuedForAbort is a WarmingUp pod selected for immediate
	// termination because the cluster is over-replicated.
	PodQueuedForAbort PodClassification = "queued_for_abort"
)

// ClassifyPod is the total function from (accepts-new-channels,
// satisfies_spec) to a PodClassification, per spec §3.
func ClassifyPod(acceptsNewChannels, satisfiesSpec bool) PodClassification {
	switch {
	case acceptsNewChannels && satisfiesSpec:
		return PodActive
	case acceptsNewChannels && !satisfiesSpec:
		return PodQueuedForTearDown
	case !acceptsNewChannels && satisfiesSpec:
		return PodWarmingUp
	default:
		return PodTearingDown
	}
}

// PodObservation is what the controller learns about one pod per reconcile
// pass: its labels, the agents it currently hosts, and whether its image
// and resource limits still match the cluster CR.
type PodObservation struct {
	Name        string
	Node        string
	Image       string
	Resources   ResourceLimits
	Labels      map[string]string
	Agents      []AgentObservation
	CreatedAt   time.Time
	InternalURL string // pod-internal service URL, used as a pipe target
}

// AgentObservation is what a pod reports about one virtual agent it hosts,
// as seen by the controller over the per-pod megactl RPC handle.
type AgentObservation struct {
	Name          string
	Status        AgentStatusKind
	ChangedAt     time.Time
	ChannelsCount int
}

// SatisfiesSpec reports whether this pod's image and resource limits still
// match the cluster CR — the second half of ClassifyPod's input.
func (p PodObservation) SatisfiesSpec(cr *ClusterCR) bool {
	return p.Image == cr.Image && p.Resources == cr.Resources
}
