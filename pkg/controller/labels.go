package controller

import (
	"regexp"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/types"
)

const (
	// LabelCluster groups every pod/service belonging to one cluster CR.
	LabelCluster = "megaphone-cluster"
	// LabelPod selects exactly one pod, used by its headless service.
	LabelPod = "megaphone-pod"
	// LabelAcceptsNewChannels gates whether a pod's Master agents are
	// eligible for create_channel's random master selection.
	LabelAcceptsNewChannels = "accepts-new-channels"

	labelOn  = "ON"
	labelOff = "OFF"
)

// connectionLabelPattern matches every per-agent and cluster-wide
// connection label; step 3 uses it to decide whether a TearingDown pod
// has fully drained.
var connectionLabelPattern = regexp.MustCompile(`^(accepts-new-channels|megaphone-[A-Za-z0-9]+-(read|write))$`)

func readLabel(vagentID string) string  { return "megaphone-" + vagentID + "-read" }
func writeLabel(vagentID string) string { return "megaphone-" + vagentID + "-write" }

// allConnectionLabelsOff reports whether every connection label present on
// a pod is OFF — the completion condition for finalizing a tear-down.
func allConnectionLabelsOff(labels map[string]string) bool {
	for k, v := range labels {
		if connectionLabelPattern.MatchString(k) && v != labelOff {
			return false
		}
	}
	return true
}

// writeLabelFor derives the megaphone-{agent}-write label value for one
// agent observation, per spec §4.5 step 8.
func writeLabelFor(a types.AgentObservation, now time.Time, terminating bool) string {
	age := now.Sub(a.ChangedAt)
	switch {
	case a.Status == types.AgentMaster:
		return labelOn
	case a.Status == types.AgentReplica && age >= 50*time.Second:
		return labelOn
	case a.Status == types.AgentPiped && age < 60*time.Second:
		return labelOn
	case terminating && a.ChannelsCount == 0:
		return labelOff
	default:
		return labelOff
	}
}

// readLabelFor derives the megaphone-{agent}-read label value for one
// agent observation, per spec §4.5 step 8.
func readLabelFor(a types.AgentObservation, now time.Time, terminating bool) string {
	age := now.Sub(a.ChangedAt)
	switch {
	case a.Status == types.AgentMaster:
		return labelOn
	case a.Status == types.AgentReplica && age >= 30*time.Second:
		return labelOn
	case a.Status == types.AgentPiped && age < 40*time.Second:
		return labelOn
	case terminating && a.ChannelsCount == 0:
		return labelOff
	default:
		return labelOff
	}
}

// acceptsNewChannelsFor derives the pod-level accepts-new-channels label:
// ON iff the pod hosts a non-warming-up Master agent and is not
// terminating.
func acceptsNewChannelsFor(agents []types.AgentObservation, now time.Time, terminating bool) string {
	if terminating {
		return labelOff
	}
	for _, a := range agents {
		if a.Status == types.AgentMaster && now.Sub(a.ChangedAt) >= agent.DefaultWarmup {
			return labelOn
		}
	}
	return labelOff
}

// alignedLabels computes the full set of connection labels a pod should
// carry this reconcile pass, preserving any non-connection labels already
// present (cluster/node identifiers and the like).
func alignedLabels(pod types.PodObservation, now time.Time, terminating bool) map[string]string {
	out := make(map[string]string, len(pod.Labels)+2)
	for k, v := range pod.Labels {
		if !connectionLabelPattern.MatchString(k) {
			out[k] = v
		}
	}

	out[LabelAcceptsNewChannels] = acceptsNewChannelsFor(pod.Agents, now, terminating)
	for _, a := range pod.Agents {
		out[readLabel(a.Name)] = readLabelFor(a, now, terminating)
		out[writeLabel(a.Name)] = writeLabelFor(a, now, terminating)
	}
	return out
}

func labelsDiffer(a, b map[string]string) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if b[k] != v {
			return true
		}
	}
	return false
}
