// Package agent implements the virtual agent registry: the broker's
// authoritative map of agent name to key material, clustering status,
// and (for Piped agents) the live outbound sync pipes fanning events to
// peer nodes.
package agent

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/channelid"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/security"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/google/uuid"
)

// DefaultWarmup is how long a freshly created Master is excluded from
// random selection for new channels.
const DefaultWarmup = 60 * time.Second

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Registry is the broker's virtual agent table: name -> Agent, guarded
// by a single RWMutex in the same shape as a cluster-wide subscriber
// set, since pipes are themselves a small fan-out set per agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
	warmup time.Duration
	rnd    *rand.Rand
}

// NewRegistry creates an empty Registry using the given warm-up window.
// A non-positive warmup defaults to DefaultWarmup.
func NewRegistry(warmup time.Duration) *Registry {
	if warmup <= 0 {
		warmup = DefaultWarmup
	}
	return &Registry{
		agents: make(map[string]*types.Agent),
		warmup: warmup,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddMaster inserts a new agent with a fresh 256-bit key in Master
// status. Fails with BadRequest if name violates the character class,
// with Internal if key generation fails.
func (r *Registry) AddMaster(name string) (*types.Agent, error) {
	if !namePattern.MatchString(name) {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("invalid agent name %q", name))
	}

	key, err := security.GenerateAgentKey()
	if err != nil {
		return nil, apperrors.NewInternal(fmt.Sprintf("generate agent key: %v", err))
	}

	a := &types.Agent{
		Name:     name,
		Key:      key,
		ChangeTS: time.Now(),
		Status:   types.AgentStatus{Kind: types.AgentMaster},
		Features: types.FeatureChunkedStream,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recalcMetricsLocked()
	r.agents[name] = a
	return a, nil
}

func (r *Registry) isWarmingUp(a *types.Agent) bool {
	return time.Since(a.ChangeTS) < r.warmup
}

// RandomMasterID uniformly selects among agents in Master state that
// are not currently warming up. Fails with Internal if the set is empty.
func (r *Registry) RandomMasterID() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for name, a := range r.agents {
		if a.Status.Kind == types.AgentMaster && !r.isWarmingUp(a) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", apperrors.NewInternal("no eligible master agent")
	}
	return candidates[r.rnd.Intn(len(candidates))], nil
}

// OpenReplicaSession registers an inbound PipeAgentStart session. If the
// agent is absent it is inserted as Replica{0} with the given key; if
// present and Replica with the same key, pipe_sessions_count is
// incremented. A present agent with a different key, or one that is not
// a Replica, fails with Internal.
func (r *Registry) OpenReplicaSession(name string, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recalcMetricsLocked()

	a, ok := r.agents[name]
	if !ok {
		r.agents[name] = &types.Agent{
			Name:     name,
			Key:      key,
			ChangeTS: time.Now(),
			Status:   types.AgentStatus{Kind: types.AgentReplica, ReplicaSessions: 0},
			Features: types.FeatureChunkedStream,
		}
		return nil
	}

	if a.Status.Kind != types.AgentReplica {
		return apperrors.NewInternal(fmt.Sprintf("agent %q is not a replica", name))
	}
	if !keysEqual(a.Key, key) {
		return apperrors.NewInternal(fmt.Sprintf("agent %q replica session key mismatch", name))
	}

	a.Status.ReplicaSessions++
	a.ChangeTS = time.Now()
	return nil
}

// CloseReplicaSession decrements an agent's pipe_sessions_count. Fails
// with Internal if the agent is not a Replica or has no open sessions.
func (r *Registry) CloseReplicaSession(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recalcMetricsLocked()

	a, ok := r.agents[name]
	if !ok || a.Status.Kind != types.AgentReplica {
		return apperrors.NewInternal(fmt.Sprintf("agent %q is not a replica", name))
	}
	if a.Status.ReplicaSessions <= 0 {
		return apperrors.NewInternal(fmt.Sprintf("agent %q has no open replica sessions", name))
	}

	a.Status.ReplicaSessions--
	a.ChangeTS = time.Now()
	return nil
}

// IsAgentDistributed reports whether name is an absent-not-considered,
// Replica with at least one open session, or a Piped agent with at
// least one live pipe.
func (r *Registry) IsAgentDistributed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return false
	}
	return a.Status.IsDistributed()
}

// RegisterPipe transitions an agent into (or further into) Piped status:
// Master -> Piped{[pipe]}, Piped{P} -> Piped{P ∪ {pipe}}, Replica{0} ->
// Piped{[pipe]}. Replica{>0} is rejected. Before transitioning, a
// PipeAgentStart event is enqueued into pipe non-blockingly; if that
// enqueue fails, the transition is aborted and agent state is left
// unchanged. Returns the opaque session handle assigned to pipe.
func (r *Registry) RegisterPipe(name string, pipe types.PipeSink) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recalcMetricsLocked()

	a, ok := r.agents[name]
	if !ok {
		return "", apperrors.NewInternal(fmt.Sprintf("unknown agent %q", name))
	}

	switch a.Status.Kind {
	case types.AgentMaster:
	case types.AgentPiped:
	case types.AgentReplica:
		if a.Status.ReplicaSessions > 0 {
			return "", apperrors.NewInternal(fmt.Sprintf("agent %q has %d open replica sessions, cannot become piped", name, a.Status.ReplicaSessions))
		}
	default:
		return "", apperrors.NewInternal(fmt.Sprintf("agent %q in unknown status", name))
	}

	if !pipe.TrySend(types.SyncEvent{Kind: types.SyncPipeAgentStart, AgentName: a.Name, AgentKey: a.Key}) {
		return "", apperrors.NewInternal(fmt.Sprintf("enqueue PipeAgentStart to new pipe for agent %q", name))
	}

	handle := uuid.NewString()
	if a.Status.Kind == types.AgentPiped {
		a.Status.Pipes[handle] = pipe
	} else {
		a.Status = types.AgentStatus{Kind: types.AgentPiped, Pipes: map[string]types.PipeSink{handle: pipe}}
	}
	a.ChangeTS = time.Now()

	return handle, nil
}

// UnregisterPipe removes a pipe by its session handle from a Piped
// agent's pipe set. If the set becomes empty, the agent downgrades back
// to Master rather than being left as a Piped agent with no pipes.
func (r *Registry) UnregisterPipe(name, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recalcMetricsLocked()

	a, ok := r.agents[name]
	if !ok || a.Status.Kind != types.AgentPiped {
		return
	}

	delete(a.Status.Pipes, handle)
	if len(a.Status.Pipes) == 0 {
		a.Status = types.AgentStatus{Kind: types.AgentMaster}
		a.ChangeTS = time.Now()
		log.WithAgent(name).Info().Msg("agent downgraded from piped to master after its last pipe closed")
	}
}

// GetPipes returns a snapshot of the current pipes for a Piped agent,
// or nil for any other status.
func (r *Registry) GetPipes(name string) []types.PipeSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok || a.Status.Kind != types.AgentPiped {
		return nil
	}

	pipes := make([]types.PipeSink, 0, len(a.Status.Pipes))
	for _, p := range a.Status.Pipes {
		pipes = append(pipes, p)
	}
	return pipes
}

// EncryptChannelID seals a channel short-ID under agent's key, producing
// the token embedded in a producer address.
func (r *Registry) EncryptChannelID(agentName string, shortID [channelid.ShortIDSize]byte) (string, error) {
	r.mu.RLock()
	a, ok := r.agents[agentName]
	r.mu.RUnlock()
	if !ok {
		return "", apperrors.NewNotFound(fmt.Sprintf("unknown agent %q", agentName))
	}

	token, err := security.SealChannelID(a.Key, shortID)
	if err != nil {
		return "", apperrors.NewInternal(fmt.Sprintf("encrypt channel id: %v", err))
	}
	return token, nil
}

// DecryptChannelID reverses EncryptChannelID. Fails with BadRequest on
// decoding, size, or authentication failure.
func (r *Registry) DecryptChannelID(agentName, token string) ([channelid.ShortIDSize]byte, error) {
	r.mu.RLock()
	a, ok := r.agents[agentName]
	r.mu.RUnlock()
	if !ok {
		return [channelid.ShortIDSize]byte{}, apperrors.NewNotFound(fmt.Sprintf("unknown agent %q", agentName))
	}

	shortID, err := security.OpenChannelID(a.Key, token)
	if err != nil {
		return [channelid.ShortIDSize]byte{}, apperrors.NewBadRequest(fmt.Sprintf("decrypt channel id: %v", err))
	}
	return shortID, nil
}

// Get returns the registry's own *types.Agent for name, not a copy. The
// management HTTP handlers use it to read an agent's clustering state.
func (r *Registry) Get(name string) (*types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// recalcMetricsLocked recomputes the agents-by-status gauge and the
// total live pipe count. Callers must already hold r.mu.
func (r *Registry) recalcMetricsLocked() {
	counts := map[types.AgentStatusKind]int{}
	pipes := 0
	for _, a := range r.agents {
		counts[a.Status.Kind]++
		if a.Status.Kind == types.AgentPiped {
			pipes += len(a.Status.Pipes)
		}
	}
	metrics.AgentsTotal.WithLabelValues(string(types.AgentMaster)).Set(float64(counts[types.AgentMaster]))
	metrics.AgentsTotal.WithLabelValues(string(types.AgentReplica)).Set(float64(counts[types.AgentReplica]))
	metrics.AgentsTotal.WithLabelValues(string(types.AgentPiped)).Set(float64(counts[types.AgentPiped]))
	metrics.PipesTotal.Set(float64(pipes))
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
