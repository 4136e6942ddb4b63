package k8s

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

const (
	// Resource names inside each customer namespace.
	SecretName        = "openclaw-config"
	QuotaName         = "tier-limits"
	NetworkPolicyName = "customer-isolation"
	DeploymentName    = "openclaw-gateway"

	containerName = "gateway"

	labelCustomer = "openclaw/customer"
	labelTier     = "openclaw/tier"
	labelApp      = "app"
)

// Options carries the cluster-wide settings the adapter needs.
type Options struct {
	// Image is the gateway workload image.
	Image string
	// PlatformNamespace hosts the shared services (token-proxy, nango,
	// browser-proxy, api) the network policy lets boxes reach.
	PlatformNamespace string
	// PollInterval between readiness probes; 2 s when zero.
	PollInterval time.Duration
}

// Cluster drives one Kubernetes control plane. It satisfies domain.Cluster.
type Cluster struct {
	client kubernetes.Interface
	opts   Options
}

// NewCluster constructs the adapter around a shared typed client.
func NewCluster(client kubernetes.Interface, opts Options) *Cluster {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PlatformNamespace == "" {
		opts.PlatformNamespace = "platform"
	}
	return &Cluster{client: client, opts: opts}
}

// EnsureNamespace creates the customer namespace with identifying labels.
func (c *Cluster) EnsureNamespace(ctx domain.Context, namespace, customerID string, tier domain.Tier) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: namespace,
			Labels: map[string]string{
				labelCustomer: customerID,
				labelTier:     string(tier),
			},
		},
	}
	_, err := c.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("op=k8s.ensure_namespace: %w", err)
	}
	return nil
}

// DeleteNamespace removes the namespace; child resources cascade. Absent is
// success so destroy stays idempotent.
func (c *Cluster) DeleteNamespace(ctx domain.Context, namespace string) error {
	err := c.client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("op=k8s.delete_namespace: %w", err)
	}
	return nil
}

// EnsureConfigSecret creates the box config secret, patching the data when
// it already exists.
func (c *Cluster) EnsureConfigSecret(ctx domain.Context, namespace string, data map[string]string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: SecretName, Namespace: namespace},
		StringData: data,
	}
	_, err := c.client.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return c.PatchConfigSecret(ctx, namespace, data)
	}
	if err != nil {
		return fmt.Errorf("op=k8s.ensure_secret: %w", err)
	}
	return nil
}

// PatchConfigSecret merges only the provided keys into the secret.
func (c *Cluster) PatchConfigSecret(ctx domain.Context, namespace string, data map[string]string) error {
	patch, err := json.Marshal(map[string]any{"stringData": data})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_secret: %w", err)
	}
	_, err = c.client.CoreV1().Secrets(namespace).Patch(ctx, SecretName, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_secret: %w", err)
	}
	return nil
}

func quotaSpec(tier domain.Tier) (corev1.ResourceQuotaSpec, error) {
	res, err := tier.Resources()
	if err != nil {
		return corev1.ResourceQuotaSpec{}, err
	}
	return corev1.ResourceQuotaSpec{
		Hard: corev1.ResourceList{
			"requests.cpu":    resource.MustParse(res.CPURequest),
			"requests.memory": resource.MustParse(res.MemoryRequest),
			"limits.cpu":      resource.MustParse(res.CPULimit),
			"limits.memory":   resource.MustParse(res.MemoryLimit),
		},
	}, nil
}

// EnsureQuota creates the tier-sized resource quota.
func (c *Cluster) EnsureQuota(ctx domain.Context, namespace string, tier domain.Tier) error {
	spec, err := quotaSpec(tier)
	if err != nil {
		return fmt.Errorf("op=k8s.ensure_quota: %w", err)
	}
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: QuotaName, Namespace: namespace},
		Spec:       spec,
	}
	_, err = c.client.CoreV1().ResourceQuotas(namespace).Create(ctx, quota, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return c.PatchQuota(ctx, namespace, tier)
	}
	if err != nil {
		return fmt.Errorf("op=k8s.ensure_quota: %w", err)
	}
	return nil
}

// PatchQuota rewrites the quota's hard limits for a new tier.
func (c *Cluster) PatchQuota(ctx domain.Context, namespace string, tier domain.Tier) error {
	spec, err := quotaSpec(tier)
	if err != nil {
		return fmt.Errorf("op=k8s.patch_quota: %w", err)
	}
	patch, err := json.Marshal(map[string]any{"spec": spec})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_quota: %w", err)
	}
	_, err = c.client.CoreV1().ResourceQuotas(namespace).Patch(ctx, QuotaName, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_quota: %w", err)
	}
	return nil
}

// EnsureNetworkPolicy installs the isolation policy: all ingress denied,
// egress only to DNS, the platform services and the public internet on 443
// (RFC1918 ranges excluded).
func (c *Cluster) EnsureNetworkPolicy(ctx domain.Context, namespace string) error {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	port := func(p int) *intstr.IntOrString { v := intstr.FromInt(p); return &v }

	platformPeer := networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{"kubernetes.io/metadata.name": c.opts.PlatformNamespace},
		},
	}

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: NetworkPolicyName, Namespace: namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					// DNS
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &udp, Port: port(53)},
						{Protocol: &tcp, Port: port(53)},
					},
				},
				{
					// Platform services: token-proxy, nango, browser-proxy, api.
					To: []networkingv1.NetworkPolicyPeer{platformPeer},
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &tcp, Port: port(8080)},
						{Protocol: &tcp, Port: port(9223)},
						{Protocol: &tcp, Port: port(8000)},
					},
				},
				{
					// Public internet on 443, private ranges excluded.
					To: []networkingv1.NetworkPolicyPeer{{
						IPBlock: &networkingv1.IPBlock{
							CIDR:   "0.0.0.0/0",
							Except: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
						},
					}},
					Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: port(443)}},
				},
			},
		},
	}
	_, err := c.client.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("op=k8s.ensure_network_policy: %w", err)
	}
	return nil
}

func containerResources(tier domain.Tier) (corev1.ResourceRequirements, error) {
	res, err := tier.Resources()
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(res.CPURequest),
			corev1.ResourceMemory: resource.MustParse(res.MemoryRequest),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(res.CPULimit),
			corev1.ResourceMemory: resource.MustParse(res.MemoryLimit),
		},
	}, nil
}

// EnsureDeployment creates the single-replica gateway deployment, envs
// sourced from the config secret.
func (c *Cluster) EnsureDeployment(ctx domain.Context, namespace string, tier domain.Tier) error {
	resources, err := containerResources(tier)
	if err != nil {
		return fmt.Errorf("op=k8s.ensure_deployment: %w", err)
	}
	replicas := int32(1)
	automount := false
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DeploymentName,
			Namespace: namespace,
			Labels:    map[string]string{labelApp: DeploymentName},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: DeploymentName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{labelApp: DeploymentName}},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: &automount,
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: c.opts.Image,
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: SecretName},
							},
						}},
						Resources: resources,
					}},
				},
			},
		},
	}
	_, err = c.client.AppsV1().Deployments(namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("op=k8s.ensure_deployment: %w", err)
	}
	return nil
}

// ScaleDeployment patches the replica count (0 = suspend, 1 = reactivate).
func (c *Cluster) ScaleDeployment(ctx domain.Context, namespace string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := c.client.AppsV1().Deployments(namespace).Patch(ctx, DeploymentName,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("op=k8s.scale_deployment: %w", err)
	}
	return nil
}

// RestartDeployment stamps the pod template so the deployment rolls, the
// same way kubectl rollout restart does.
func (c *Cluster) RestartDeployment(ctx domain.Context, namespace string) error {
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
		time.Now().UTC().Format(time.RFC3339))
	_, err := c.client.AppsV1().Deployments(namespace).Patch(ctx, DeploymentName,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("op=k8s.restart_deployment: %w", err)
	}
	return nil
}

// PatchDeploymentResources resizes the gateway container to a new tier.
func (c *Cluster) PatchDeploymentResources(ctx domain.Context, namespace string, tier domain.Tier) error {
	resources, err := containerResources(tier)
	if err != nil {
		return fmt.Errorf("op=k8s.patch_deployment_resources: %w", err)
	}
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []map[string]any{{
						"name":      containerName,
						"resources": resources,
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_deployment_resources: %w", err)
	}
	_, err = c.client.AppsV1().Deployments(namespace).Patch(ctx, DeploymentName,
		types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("op=k8s.patch_deployment_resources: %w", err)
	}
	return nil
}

// DeploymentReady reports whether the rollout has settled: every replica
// updated, ready, none unavailable.
func (c *Cluster) DeploymentReady(ctx domain.Context, namespace string) (bool, error) {
	dep, err := c.client.AppsV1().Deployments(namespace).Get(ctx, DeploymentName, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("op=k8s.deployment_ready: %w", err)
	}
	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	st := dep.Status
	return st.UpdatedReplicas == want && st.ReadyReplicas >= want && st.UnavailableReplicas == 0, nil
}

// WaitPodReady polls until at least one gateway pod reports ready.
func (c *Cluster) WaitPodReady(ctx domain.Context, namespace string, timeout time.Duration) error {
	err := c.poll(ctx, timeout, func(ctx domain.Context) (bool, error) {
		pods, err := c.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labelApp + "=" + DeploymentName,
		})
		if err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			for _, cond := range pod.Status.Conditions {
				if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("op=k8s.wait_pod_ready: %w", err)
	}
	return nil
}

// WaitRollout polls until DeploymentReady holds.
func (c *Cluster) WaitRollout(ctx domain.Context, namespace string, timeout time.Duration) error {
	err := c.poll(ctx, timeout, func(ctx domain.Context) (bool, error) {
		return c.DeploymentReady(ctx, namespace)
	})
	if err != nil {
		return fmt.Errorf("op=k8s.wait_rollout: %w", err)
	}
	return nil
}

// poll runs the probe at a constant interval until it succeeds, the timeout
// elapses or the caller's context is cancelled.
func (c *Cluster) poll(ctx domain.Context, timeout time.Duration, probe func(domain.Context) (bool, error)) error {
	waitCtx, cancel := ctxWithTimeout(ctx, timeout)
	defer cancel()
	bo := backoff.WithContext(backoff.NewConstantBackOff(c.opts.PollInterval), waitCtx)
	return backoff.Retry(func() error {
		ok, err := probe(waitCtx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("not ready")
		}
		return nil
	}, bo)
}
