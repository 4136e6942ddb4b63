package domain

import "time"

// Cluster is the orchestrator's view of the Kubernetes control plane. Every
// ensure-style call is idempotent: "already exists" is success, optionally
// followed by a patch. Implementations must honor ctx cancellation on every
// call, including the polling waits.
type Cluster interface {
	EnsureNamespace(ctx Context, namespace, customerID string, tier Tier) error
	DeleteNamespace(ctx Context, namespace string) error

	// EnsureConfigSecret creates the box config secret, patching the data on
	// conflict. PatchConfigSecret merges only the provided keys.
	EnsureConfigSecret(ctx Context, namespace string, data map[string]string) error
	PatchConfigSecret(ctx Context, namespace string, data map[string]string) error

	EnsureQuota(ctx Context, namespace string, tier Tier) error
	PatchQuota(ctx Context, namespace string, tier Tier) error

	EnsureNetworkPolicy(ctx Context, namespace string) error

	EnsureDeployment(ctx Context, namespace string, tier Tier) error
	ScaleDeployment(ctx Context, namespace string, replicas int32) error
	// RestartDeployment stamps the pod template so the deployment rolls.
	RestartDeployment(ctx Context, namespace string) error
	PatchDeploymentResources(ctx Context, namespace string, tier Tier) error
	DeploymentReady(ctx Context, namespace string) (bool, error)

	// WaitPodReady polls until at least one replica reports ready.
	WaitPodReady(ctx Context, namespace string, timeout time.Duration) error
	// WaitRollout polls until updated == spec, ready >= spec and none
	// unavailable.
	WaitRollout(ctx Context, namespace string, timeout time.Duration) error
}

// PodMetricsSample is one point-in-time reading for a box pod.
type PodMetricsSample struct {
	ID            int64
	CustomerID    string
	Namespace     string
	PodName       string
	CPUMillicores int64
	MemoryBytes   int64
	CollectedAt   time.Time
}

// PodMetricsSource lists current pod usage across customer namespaces.
type PodMetricsSource interface {
	ListPodMetrics(ctx Context) ([]PodMetricsSample, error)
}

type PodMetricsRepository interface {
	InsertSamples(ctx Context, samples []PodMetricsSample) error
	// RollupHourly aggregates samples since the cutoff into the hourly table,
	// upserting per (namespace, hour).
	RollupHourly(ctx Context, since time.Time) error
	PurgeSamples(ctx Context, before time.Time) (int64, error)
}
