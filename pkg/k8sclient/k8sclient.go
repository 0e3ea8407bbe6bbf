// Package k8sclient is a minimal REST client against the Kubernetes API
// server, implementing exactly the pkg/controller.PodClient/
// ServiceClient/CRClient boundary. No generated or vendored Kubernetes
// client library appears anywhere in the retrieved corpus, so this
// narrow REST surface is built directly on net/http rather than pulling
// in a client outside that corpus (documented in DESIGN.md).
package k8sclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/d71dev/megaphone/pkg/controller"
	"github.com/d71dev/megaphone/pkg/types"
)

const (
	inClusterCACert = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
	inClusterToken  = "/var/run/secrets/kubernetes.io/serviceaccount/token"
)

// Client implements controller.PodClient, controller.ServiceClient and
// controller.CRClient against a single namespace of a real Kubernetes
// cluster, using the apiserver's plain REST+JSON surface.
type Client struct {
	httpClient *http.Client
	apiServer  string
	token      string
	namespace  string
	crName     string
}

// New builds a Client from the in-cluster service account, reading the
// conventional /var/run/secrets mount and the KUBERNETES_SERVICE_HOST/
// PORT environment variables set by the kubelet.
func New(namespace, crName string) (*Client, error) {
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return nil, fmt.Errorf("KUBERNETES_SERVICE_HOST/PORT not set — not running in-cluster")
	}
	tokenBytes, err := os.ReadFile(inClusterToken)
	if err != nil {
		return nil, fmt.Errorf("read service account token: %w", err)
	}

	pool := x509.NewCertPool()
	caBytes, err := os.ReadFile(inClusterCACert)
	if err != nil {
		return nil, fmt.Errorf("read service account CA: %w", err)
	}
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates parsed from %s", inClusterCACert)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		},
		apiServer: fmt.Sprintf("https://%s:%s", host, port),
		token:     strings.TrimSpace(string(tokenBytes)),
		namespace: namespace,
		crName:    crName,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiServer+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

type podList struct {
	Items []struct {
		Metadata struct {
			Name   string            `json:"name"`
			Labels map[string]string `json:"labels"`
		} `json:"metadata"`
		Spec struct {
			NodeName   string `json:"nodeName"`
			Containers []struct {
				Image     string `json:"image"`
				Resources struct {
					Limits   map[string]string `json:"limits"`
					Requests map[string]string `json:"requests"`
				} `json:"resources"`
			} `json:"containers"`
		} `json:"spec"`
		Status struct {
			PodIP string `json:"podIP"`
		} `json:"status"`
	} `json:"items"`
}

// ListPods lists every pod carrying megaphone-cluster=clusterLabel.
func (c *Client) ListPods(ctx context.Context, clusterLabel string) ([]types.PodObservation, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods?labelSelector=%s=%s", c.namespace, controller.LabelCluster, clusterLabel)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list pods: unexpected status %s", resp.Status)
	}

	var list podList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}

	out := make([]types.PodObservation, 0, len(list.Items))
	for _, item := range list.Items {
		var resources types.ResourceLimits
		if len(item.Spec.Containers) > 0 {
			resources = types.ResourceLimits{
				CPULimit:      item.Spec.Containers[0].Resources.Limits["cpu"],
				MemoryLimit:   item.Spec.Containers[0].Resources.Limits["memory"],
				CPURequest:    item.Spec.Containers[0].Resources.Requests["cpu"],
				MemoryRequest: item.Spec.Containers[0].Resources.Requests["memory"],
			}
		}
		image := ""
		if len(item.Spec.Containers) > 0 {
			image = item.Spec.Containers[0].Image
		}
		out = append(out, types.PodObservation{
			Name:        item.Metadata.Name,
			Node:        item.Spec.NodeName,
			Image:       image,
			Resources:   resources,
			Labels:      item.Metadata.Labels,
			InternalURL: fmt.Sprintf("http://%s:%d", item.Status.PodIP, controller.PodInternalPort),
		})
	}
	return out, nil
}

// CreatePod creates a pod from spec in c.namespace.
func (c *Client) CreatePod(ctx context.Context, spec controller.PodSpec) error {
	env := make([]map[string]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, map[string]string{"name": k, "value": v})
	}

	body := map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]any{
			"name":   spec.Name,
			"labels": spec.Labels,
		},
		"spec": map[string]any{
			"containers": []map[string]any{
				{
					"name":  "megaphone",
					"image": spec.Image,
					"env":   env,
					"resources": map[string]any{
						"limits": map[string]string{
							"cpu":    spec.Resources.CPULimit,
							"memory": spec.Resources.MemoryLimit,
						},
						"requests": map[string]string{
							"cpu":    spec.Resources.CPURequest,
							"memory": spec.Resources.MemoryRequest,
						},
					},
				},
			},
		},
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/namespaces/%s/pods", c.namespace), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create pod %s: unexpected status %s", spec.Name, resp.Status)
	}
	return nil
}

// PatchPodLabels applies a strategic merge patch of labels onto podName.
func (c *Client) PatchPodLabels(ctx context.Context, podName string, labels map[string]string) error {
	patch := map[string]any{"metadata": map[string]any{"labels": labels}}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", c.namespace, podName)

	buf, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.apiServer+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/strategic-merge-patch+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("patch pod %s labels: unexpected status %s", podName, resp.Status)
	}
	return nil
}

// DeletePod deletes podName.
func (c *Client) DeletePod(ctx context.Context, podName string) error {
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", c.namespace, podName)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete pod %s: unexpected status %s", podName, resp.Status)
	}
	return nil
}

type serviceList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	} `json:"items"`
}

// ListServiceNames lists every service carrying megaphone-cluster=clusterLabel.
func (c *Client) ListServiceNames(ctx context.Context, clusterLabel string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%s/services?labelSelector=%s=%s", c.namespace, controller.LabelCluster, clusterLabel)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list services: unexpected status %s", resp.Status)
	}

	var list serviceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		names = append(names, item.Metadata.Name)
	}
	return names, nil
}

// EnsureService creates spec, or patches its selector/ports if it
// already exists.
func (c *Client) EnsureService(ctx context.Context, spec controller.ServiceSpec) error {
	clusterIP := ""
	if spec.Headless {
		clusterIP = "None"
	}
	body := map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]any{
			"name":   spec.Name,
			"labels": map[string]string{controller.LabelCluster: c.crName},
		},
		"spec": map[string]any{
			"selector":  spec.Selector,
			"clusterIP": clusterIP,
			"ports": []map[string]any{
				{"port": spec.Port, "targetPort": spec.Port},
			},
		},
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/namespaces/%s/services", c.namespace), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusCreated {
		return nil
	}
	if resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("create service %s: unexpected status %s", spec.Name, resp.Status)
	}

	patch := map[string]any{"spec": map[string]any{
		"selector": spec.Selector,
		"ports": []map[string]any{
			{"port": spec.Port, "targetPort": spec.Port},
		},
	}}
	patchPath := fmt.Sprintf("/api/v1/namespaces/%s/services/%s", c.namespace, spec.Name)
	patchResp, err := c.doMergePatch(ctx, patchPath, patch)
	if err != nil {
		return err
	}
	defer patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusOK {
		return fmt.Errorf("patch service %s: unexpected status %s", spec.Name, patchResp.Status)
	}
	return nil
}

func (c *Client) doMergePatch(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.apiServer+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/merge-patch+json")
	return c.httpClient.Do(req)
}

// DeleteService deletes name.
func (c *Client) DeleteService(ctx context.Context, name string) error {
	path := fmt.Sprintf("/api/v1/namespaces/%s/services/%s", c.namespace, name)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete service %s: unexpected status %s", name, resp.Status)
	}
	return nil
}

// crResource is the shape of the MegaphoneCluster custom resource this
// controller reconciles.
type crResource struct {
	Spec struct {
		Image                string `json:"image"`
		Replicas             int    `json:"replicas"`
		VirtualAgentsPerNode int    `json:"virtualAgentsPerNode"`
		Resources            struct {
			CPULimit      string `json:"cpuLimit"`
			MemoryLimit   string `json:"memoryLimit"`
			CPURequest    string `json:"cpuRequest"`
			MemoryRequest string `json:"memoryRequest"`
		} `json:"resources"`
	} `json:"spec"`
	Status types.ClusterStatus `json:"status"`
}

func (c *Client) crPath() string {
	return fmt.Sprintf("/apis/megaphone.d71.dev/v1/namespaces/%s/megaphoneclusters/%s", c.namespace, c.crName)
}

// GetCR fetches and decodes the cluster custom resource.
func (c *Client) GetCR(ctx context.Context) (*types.ClusterCR, error) {
	resp, err := c.do(ctx, http.MethodGet, c.crPath(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get cluster CR %s: unexpected status %s", c.crName, resp.Status)
	}

	var res crResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}

	return &types.ClusterCR{
		Name:                 c.crName,
		Image:                res.Spec.Image,
		Replicas:             res.Spec.Replicas,
		VirtualAgentsPerNode: res.Spec.VirtualAgentsPerNode,
		Resources: types.ResourceLimits{
			CPULimit:      res.Spec.Resources.CPULimit,
			MemoryLimit:   res.Spec.Resources.MemoryLimit,
			CPURequest:    res.Spec.Resources.CPURequest,
			MemoryRequest: res.Spec.Resources.MemoryRequest,
		},
		Status: res.Status,
	}, nil
}

// UpdateStatus persists status onto the cluster CR's status subresource.
func (c *Client) UpdateStatus(ctx context.Context, status types.ClusterStatus) error {
	body := map[string]any{"status": status}
	resp, err := c.doMergePatch(ctx, c.crPath()+"/status", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update cluster CR %s status: unexpected status %s", c.crName, resp.Status)
	}
	return nil
}
