package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/d71dev/megaphone/pkg/vagentid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MinRequeue and MaxRequeue bound the reconcile cadence per spec §4.5
// step 12.
const (
	MinRequeue = 10 * time.Second
	MaxRequeue = 300 * time.Second

	// PodInternalPort is the port the controller's per-pod headless
	// service exposes for pipe-and-drain traffic.
	PodInternalPort = 3001

	// clusterServicePrefix is the name prefix of every service the
	// controller generates: per-agent, per-pod and cluster-wide.
	clusterServicePrefix = "svc"

	// ClusterFinalizer is attached to the CR; its cleanup hook is a
	// no-op here because Kubernetes cascades children via owner refs.
	ClusterFinalizer = "megaphone.d71.dev"
)

// Controller drives the reconcile loop for one cluster CR.
type Controller struct {
	pods     PodClient
	services ServiceClient
	cr       CRClient
	megactl  MegactlClient

	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
	rnd    *rand.Rand
}

// New builds a Controller wired to its Kubernetes-facing collaborators.
func New(pods PodClient, services ServiceClient, cr CRClient, megactl MegactlClient) *Controller {
	return &Controller{
		pods:     pods,
		services: services,
		cr:       cr,
		megactl:  megactl,
		logger:   log.WithComponent("controller"),
		stopCh:   make(chan struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins the reconcile loop in a background goroutine.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop halts the reconcile loop.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run(ctx context.Context) {
	timer := time.NewTimer(MinRequeue)
	defer timer.Stop()

	c.logger.Info().Msg("controller started")

	for {
		select {
		case <-timer.C:
			next, err := c.Reconcile(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("reconcile cycle failed")
				next = MinRequeue
			}
			timer.Reset(next)
		case <-c.stopCh:
			c.logger.Info().Msg("controller stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// podState tracks one pod's observed classification alongside the
// virtual bucket this reconcile pass assigns it to, ahead of any label
// patch taking effect.
type podState struct {
	obs     types.PodObservation
	class   types.PodClassification
	virtual types.PodClassification
}

func (p *podState) terminating() bool {
	return p.virtual == types.PodTearingDown || p.virtual == types.PodQueuedForAbort
}

// Reconcile runs one full pass of the 12-step pipeline and returns the
// delay before the next pass should run.
func (c *Controller) Reconcile(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	cr, err := c.cr.GetCR(ctx)
	if err != nil {
		return MinRequeue, fmt.Errorf("controller: get cluster CR: %w", err)
	}

	now := time.Now()

	// Step 1: list and classify.
	observed, err := c.pods.ListPods(ctx, cr.Name)
	if err != nil {
		return MinRequeue, fmt.Errorf("controller: list pods: %w", err)
	}
	states := classifyAll(observed, cr)

	// Step 2: over-replication demotion.
	demoteOverReplicated(states, cr.Replicas)

	// Step 3: finalize prior tear-downs and immediate aborts.
	remaining, err := c.finalizeTearDowns(ctx, states)
	if err != nil {
		return MinRequeue, err
	}

	// Step 4: scale up.
	nodeCounter := len(remaining)
	for len(remaining) < cr.Replicas {
		nodeCounter++
		created, err := c.createPod(ctx, cr, nodeCounter)
		if err != nil {
			return MinRequeue, err
		}
		remaining = append(remaining, created)
	}

	// Step 5: compute tear-down slice.
	tearDown := computeTearDownSlice(remaining, cr.Replicas)
	tearDownNames := make(map[string]bool, len(tearDown))
	for _, p := range tearDown {
		tearDownNames[p.obs.Name] = true
	}

	// Step 6: compute pipe targets.
	pipeTargets := pipeTargetsFor(remaining, tearDownNames)

	// Step 7: tear down each listed pod.
	for _, p := range tearDown {
		if err := c.tearDownOne(ctx, p, pipeTargets); err != nil {
			c.logger.Error().Err(err).Str("pod", p.obs.Name).Msg("tear-down step failed")
		}
	}

	// Step 8: align labels on every remaining pod.
	if err := c.alignLabels(ctx, remaining, tearDownNames, now); err != nil {
		c.logger.Error().Err(err).Msg("label alignment failed")
	}

	// Step 9 + 10: service generation and GC.
	if err := c.reconcileServices(ctx, cr, remaining); err != nil {
		c.logger.Error().Err(err).Msg("service reconciliation failed")
	}

	// Step 11: status update.
	if err := c.updateStatus(ctx, cr, remaining); err != nil {
		c.logger.Error().Err(err).Msg("status update failed")
	}

	c.recordPodMetrics(remaining)

	// Step 12: requeue cadence.
	return requeueAfter(remaining), nil
}

func classifyAll(observed []types.PodObservation, cr *types.ClusterCR) []*podState {
	states := make([]*podState, 0, len(observed))
	for _, pod := range observed {
		accepts := pod.Labels[LabelAcceptsNewChannels] == labelOn
		class := types.ClassifyPod(accepts, pod.SatisfiesSpec(cr))
		states = append(states, &podState{obs: pod, class: class, virtual: class})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].obs.Name < states[j].obs.Name })
	return states
}

// demoteOverReplicated moves excess Active/WarmingUp pods into a virtual
// tear-down/abort bucket, preferring WarmingUp first, by name order.
func demoteOverReplicated(states []*podState, replicas int) {
	var active, warming []*podState
	for _, p := range states {
		switch p.class {
		case types.PodActive:
			active = append(active, p)
		case types.PodWarmingUp:
			warming = append(warming, p)
		}
	}
	excess := len(active) + len(warming) - replicas
	if excess <= 0 {
		return
	}
	for _, p := range warming {
		if excess == 0 {
			break
		}
		p.virtual = types.PodQueuedForAbort
		excess--
	}
	for _, p := range active {
		if excess == 0 {
			break
		}
		p.virtual = types.PodQueuedForTearDown
		excess--
	}
}

// finalizeTearDowns deletes pods that have fully drained (TearingDown
// with every connection label OFF) and pods demoted straight to abort,
// returning the pods that remain.
func (c *Controller) finalizeTearDowns(ctx context.Context, states []*podState) ([]*podState, error) {
	remaining := make([]*podState, 0, len(states))
	for _, p := range states {
		switch {
		case p.class == types.PodTearingDown:
			if allConnectionLabelsOff(p.obs.Labels) {
				if err := c.pods.DeletePod(ctx, p.obs.Name); err != nil {
					return nil, fmt.Errorf("controller: delete drained pod %s: %w", p.obs.Name, err)
				}
				continue
			}
			c.logger.Info().Str("pod", p.obs.Name).Msg("tearing-down pod still has live agents, deferring deletion")
		case p.virtual == types.PodQueuedForAbort:
			if err := c.pods.DeletePod(ctx, p.obs.Name); err != nil {
				return nil, fmt.Errorf("controller: abort pod %s: %w", p.obs.Name, err)
			}
			continue
		}
		remaining = append(remaining, p)
	}
	return remaining, nil
}

func (c *Controller) createPod(ctx context.Context, cr *types.ClusterCR, nodeIdx int) (*podState, error) {
	name := fmt.Sprintf("%s-%s", cr.Name, uuid.NewString()[:8])
	env := make(map[string]string, cr.VirtualAgentsPerNode)
	agents := make([]types.AgentObservation, 0, cr.VirtualAgentsPerNode)
	labels := map[string]string{
		LabelCluster:            cr.Name,
		LabelPod:                name,
		LabelAcceptsNewChannels: labelOff,
	}
	now := time.Now()
	for i := 0; i < cr.VirtualAgentsPerNode; i++ {
		vagentID := vagentid.Scramble(uint32(nodeIdx), uint32(i))
		env["megaphone_agent.virtual."+vagentID] = "MASTER"
		labels[readLabel(vagentID)] = labelOn
		labels[writeLabel(vagentID)] = labelOn
		agents = append(agents, types.AgentObservation{Name: vagentID, Status: types.AgentMaster, ChangedAt: now})
	}

	spec := PodSpec{Name: name, Image: cr.Image, Resources: cr.Resources, Env: env, Labels: labels}
	if err := c.pods.CreatePod(ctx, spec); err != nil {
		return nil, fmt.Errorf("controller: create pod %s: %w", name, err)
	}

	obs := types.PodObservation{
		Name:      name,
		Image:     cr.Image,
		Resources: cr.Resources,
		Labels:    labels,
		Agents:    agents,
		CreatedAt: now,
	}
	return &podState{obs: obs, class: types.PodWarmingUp, virtual: types.PodWarmingUp}, nil
}

// computeTearDownSlice implements spec §4.5 step 5: existing TearingDown
// pods unconditionally, plus the first to_delete pods (by name) from the
// virtual QueuedForTearDown bucket.
func computeTearDownSlice(remaining []*podState, replicas int) []*podState {
	var active, queuedForTearDown, alreadyTearingDown []*podState
	for _, p := range remaining {
		switch p.virtual {
		case types.PodActive:
			active = append(active, p)
		case types.PodQueuedForTearDown:
			queuedForTearDown = append(queuedForTearDown, p)
		case types.PodTearingDown:
			alreadyTearingDown = append(alreadyTearingDown, p)
		}
	}

	maxSurge := replicas / 4
	if maxSurge < 1 {
		maxSurge = 1
	}
	toDelete := len(active) + len(queuedForTearDown) + maxSurge - replicas
	if toDelete < 0 {
		toDelete = 0
	}
	if toDelete > len(queuedForTearDown) {
		toDelete = len(queuedForTearDown)
	}

	out := append([]*podState{}, alreadyTearingDown...)
	out = append(out, queuedForTearDown[:toDelete]...)
	return out
}

func pipeTargetsFor(remaining []*podState, tearDownNames map[string]bool) []string {
	var targets []string
	for _, p := range remaining {
		if tearDownNames[p.obs.Name] {
			continue
		}
		if p.virtual == types.PodActive || p.virtual == types.PodQueuedForTearDown {
			targets = append(targets, p.obs.InternalURL)
		}
	}
	return targets
}

func (c *Controller) tearDownOne(ctx context.Context, p *podState, pipeTargets []string) error {
	if p.obs.Labels[LabelAcceptsNewChannels] == labelOn {
		if err := c.pods.PatchPodLabels(ctx, p.obs.Name, map[string]string{LabelAcceptsNewChannels: labelOff}); err != nil {
			return fmt.Errorf("controller: patch accepts-new-channels off on %s: %w", p.obs.Name, err)
		}
		p.obs.Labels[LabelAcceptsNewChannels] = labelOff
	}

	if len(pipeTargets) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, MegactlTimeout)
	defer cancel()

	for _, a := range p.obs.Agents {
		switch a.Status {
		case types.AgentMaster, types.AgentReplica:
			if a.ChannelsCount == 0 {
				continue
			}
			target := pipeTargets[c.rnd.Intn(len(pipeTargets))]
			if err := c.megactl.PipeAgent(ctx, p.obs.InternalURL, a.Name, target); err != nil {
				c.logger.Error().Err(err).Str("pod", p.obs.Name).Str("agent", a.Name).Msg("pipe-agent RPC failed")
			}
		case types.AgentPiped:
			c.logger.Info().Str("pod", p.obs.Name).Str("agent", a.Name).Msg("agent already piped, skipping")
		}
	}
	return nil
}

func (c *Controller) alignLabels(ctx context.Context, remaining []*podState, tearDownNames map[string]bool, now time.Time) error {
	var wg sync.WaitGroup
	errs := make([]error, len(remaining))
	for i, p := range remaining {
		wg.Add(1)
		go func(i int, p *podState) {
			defer wg.Done()
			terminating := tearDownNames[p.obs.Name] || p.terminating()
			want := alignedLabels(p.obs, now, terminating)
			if !labelsDiffer(want, p.obs.Labels) {
				return
			}
			if err := c.pods.PatchPodLabels(ctx, p.obs.Name, want); err != nil {
				errs[i] = fmt.Errorf("controller: align labels on %s: %w", p.obs.Name, err)
				return
			}
			p.obs.Labels = want
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) reconcileServices(ctx context.Context, cr *types.ClusterCR, remaining []*podState) error {
	required := make(map[string]ServiceSpec)

	agentSeen := make(map[string]bool)
	for _, p := range remaining {
		for _, a := range p.obs.Agents {
			if agentSeen[a.Name] {
				continue
			}
			agentSeen[a.Name] = true
			for _, kind := range []string{"read", "write"} {
				name := fmt.Sprintf("%s-%s-%s-%s", clusterServicePrefix, cr.Name, a.Name, kind)
				required[name] = ServiceSpec{
					Name:     name,
					Selector: map[string]string{readOrWriteLabel(a.Name, kind): labelOn},
					Port:     PodInternalPort,
				}
			}
		}

		svcName := fmt.Sprintf("%s-%s-%s", clusterServicePrefix, cr.Name, p.obs.Name)
		required[svcName] = ServiceSpec{
			Name:     svcName,
			Selector: map[string]string{LabelPod: p.obs.Name},
			Port:     PodInternalPort,
			Headless: true,
		}
	}

	clusterWide := fmt.Sprintf("%s-megaphone-cluster-%s", clusterServicePrefix, cr.Name)
	required[clusterWide] = ServiceSpec{
		Name:     clusterWide,
		Selector: map[string]string{LabelAcceptsNewChannels: labelOn},
		Port:     PodInternalPort,
	}

	for _, spec := range required {
		if err := c.services.EnsureService(ctx, spec); err != nil {
			return fmt.Errorf("controller: ensure service %s: %w", spec.Name, err)
		}
	}

	existing, err := c.services.ListServiceNames(ctx, cr.Name)
	if err != nil {
		return fmt.Errorf("controller: list services: %w", err)
	}
	for _, name := range existing {
		if _, ok := required[name]; ok {
			continue
		}
		if err := c.services.DeleteService(ctx, name); err != nil {
			return fmt.Errorf("controller: delete stale service %s: %w", name, err)
		}
	}
	return nil
}

func readOrWriteLabel(vagentID, kind string) string {
	if kind == "read" {
		return readLabel(vagentID)
	}
	return writeLabel(vagentID)
}

func (c *Controller) updateStatus(ctx context.Context, cr *types.ClusterCR, remaining []*podState) error {
	podNames := make([]string, len(remaining))
	for i, p := range remaining {
		podNames[i] = p.obs.Name
	}
	sort.Strings(podNames)

	services, err := c.services.ListServiceNames(ctx, cr.Name)
	if err != nil {
		return fmt.Errorf("controller: list services for status: %w", err)
	}
	sort.Strings(services)

	status := cr.Status
	status.Pods = podNames
	status.Services = services

	if !stringsEqual(status.Pods, cr.Status.Pods) || !stringsEqual(status.Services, cr.Status.Services) {
		if err := c.cr.UpdateStatus(ctx, status); err != nil {
			return fmt.Errorf("controller: update CR status: %w", err)
		}
	}
	return nil
}

func stringsEqual(a, b []string) bool {
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

func (c *Controller) recordPodMetrics(remaining []*podState) {
	counts := map[types.PodClassification]int{}
	for _, p := range remaining {
		counts[p.class]++
	}
	for _, class := range []types.PodClassification{
		types.PodActive, types.PodQueuedForTearDown, types.PodWarmingUp,
		types.PodTearingDown, types.PodQueuedForAbort,
	} {
		metrics.PodsTotal.WithLabelValues(string(class)).Set(float64(counts[class]))
	}
}

func requeueAfter(remaining []*podState) time.Duration {
	for _, p := range remaining {
		if p.class != types.PodActive {
			return MinRequeue
		}
	}
	return MaxRequeue
}
