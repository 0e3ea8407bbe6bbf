// Package controller implements the reconciliation controller: it
// computes desired pods/services from a cluster CR, classifies pod
// states, and drives a graceful pipe-and-drain rolling upgrade. The
// Kubernetes client library itself is out of scope — only the narrow
// contracts this package needs from it appear here, the same boundary
// the teacher draws around its generated worker RPC client.
package controller

import (
	"context"
	"time"

	"github.com/d71dev/megaphone/pkg/types"
)

// MegactlTimeout bounds one per-pod megactl RPC call during tear-down
// (spec §4.5 step 7).
const MegactlTimeout = 30 * time.Second

// PodSpec describes a pod the controller wants created during scale-up.
type PodSpec struct {
	Name      string
	Image     string
	Resources types.ResourceLimits
	// Env are the per-node virtual agent env vars,
	// "megaphone_agent.virtual.{vagent_id}" -> "MASTER".
	Env    map[string]string
	Labels map[string]string
}

// ServiceSpec describes a service the controller wants to exist.
type ServiceSpec struct {
	Name     string
	Selector map[string]string
	Port     int
	// Headless marks a pod-internal service with no cluster IP,
	// addressing exactly one pod by its unique label selector.
	Headless bool
}

// PodClient is the controller's contract with the pod API.
type PodClient interface {
	ListPods(ctx context.Context, clusterLabel string) ([]types.PodObservation, error)
	CreatePod(ctx context.Context, spec PodSpec) error
	PatchPodLabels(ctx context.Context, podName string, labels map[string]string) error
	DeletePod(ctx context.Context, podName string) error
}

// ServiceClient is the controller's contract with the service API.
type ServiceClient interface {
	ListServiceNames(ctx context.Context, clusterLabel string) ([]string, error)
	EnsureService(ctx context.Context, spec ServiceSpec) error
	DeleteService(ctx context.Context, name string) error
}

// CRClient reads the cluster CR and persists reconciled status back onto
// it.
type CRClient interface {
	GetCR(ctx context.Context) (*types.ClusterCR, error)
	UpdateStatus(ctx context.Context, status types.ClusterStatus) error
}

// MegactlClient is the per-pod RPC handle used to drive pipe-and-drain
// rollout: "pipe-agent -n {name} -t {url}" against a pod's internal URL.
type MegactlClient interface {
	PipeAgent(ctx context.Context, podInternalURL, agentName, targetURL string) error
}
