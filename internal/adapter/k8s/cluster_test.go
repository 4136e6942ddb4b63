package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func newCluster() *Cluster {
	client := fake.NewSimpleClientset()
	return NewCluster(client, Options{Image: "ghcr.io/openclaw/gateway:test", PollInterval: time.Millisecond})
}

func TestEnsureNamespace_RerunConverges(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	require.NoError(t, c.EnsureNamespace(ctx, "customer-c1", "c1", domain.TierStarter))
	// A second provision attempt hits "already exists" and continues.
	require.NoError(t, c.EnsureNamespace(ctx, "customer-c1", "c1", domain.TierStarter))

	ns, err := c.client.CoreV1().Namespaces().Get(ctx, "customer-c1", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "c1", ns.Labels[labelCustomer])
	require.Equal(t, "starter", ns.Labels[labelTier])
}

func TestEnsureConfigSecret_ConflictPatches(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureNamespace(ctx, "customer-c1", "c1", domain.TierStarter))

	require.NoError(t, c.EnsureConfigSecret(ctx, "customer-c1", map[string]string{"OPENCLAW_MODEL": "a"}))
	require.NoError(t, c.EnsureConfigSecret(ctx, "customer-c1", map[string]string{"OPENCLAW_MODEL": "b"}))

	secret, err := c.client.CoreV1().Secrets("customer-c1").Get(ctx, SecretName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "b", secret.StringData["OPENCLAW_MODEL"])
}

func TestEnsureQuota_StarterValues(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureQuota(ctx, "customer-c1", domain.TierStarter))

	quota, err := c.client.CoreV1().ResourceQuotas("customer-c1").Get(ctx, QuotaName, metav1.GetOptions{})
	require.NoError(t, err)
	for name, want := range map[string]string{
		"requests.cpu":    "250m",
		"limits.cpu":      "500m",
		"requests.memory": "128Mi",
		"limits.memory":   "256Mi",
	} {
		got := quota.Spec.Hard[corev1.ResourceName(name)]
		require.Equal(t, want, got.String(), name)
	}
}

func TestEnsureDeployment_ShapeAndRerun(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))
	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))

	dep, err := c.client.AppsV1().Deployments("customer-c1").Get(ctx, DeploymentName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(1), *dep.Spec.Replicas)
	ctr := dep.Spec.Template.Spec.Containers[0]
	require.Equal(t, "ghcr.io/openclaw/gateway:test", ctr.Image)
	require.Equal(t, SecretName, ctr.EnvFrom[0].SecretRef.Name)
	require.Equal(t, "250m", ctr.Resources.Requests.Cpu().String())
	require.False(t, *dep.Spec.Template.Spec.AutomountServiceAccountToken)
}

func TestScaleDeployment(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))

	require.NoError(t, c.ScaleDeployment(ctx, "customer-c1", 0))
	dep, err := c.client.AppsV1().Deployments("customer-c1").Get(ctx, DeploymentName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(0), *dep.Spec.Replicas)
}

func TestRestartDeployment_StampsTemplate(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))

	require.NoError(t, c.RestartDeployment(ctx, "customer-c1"))
	dep, err := c.client.AppsV1().Deployments("customer-c1").Get(ctx, DeploymentName, metav1.GetOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, dep.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"])
}

func TestPatchDeploymentResources_ResizeToPro(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))

	require.NoError(t, c.PatchDeploymentResources(ctx, "customer-c1", domain.TierPro))
	dep, err := c.client.AppsV1().Deployments("customer-c1").Get(ctx, DeploymentName, metav1.GetOptions{})
	require.NoError(t, err)
	ctr := dep.Spec.Template.Spec.Containers[0]
	require.Equal(t, "500m", ctr.Resources.Requests.Cpu().String())
	require.Equal(t, "1", ctr.Resources.Limits.Cpu().String())
}

func TestDeploymentReady(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	require.NoError(t, c.EnsureDeployment(ctx, "customer-c1", domain.TierStarter))

	ready, err := c.DeploymentReady(ctx, "customer-c1")
	require.NoError(t, err)
	require.False(t, ready)

	dep, err := c.client.AppsV1().Deployments("customer-c1").Get(ctx, DeploymentName, metav1.GetOptions{})
	require.NoError(t, err)
	dep.Status = appsv1.DeploymentStatus{UpdatedReplicas: 1, ReadyReplicas: 1, UnavailableReplicas: 0}
	_, err = c.client.AppsV1().Deployments("customer-c1").UpdateStatus(ctx, dep, metav1.UpdateOptions{})
	require.NoError(t, err)

	ready, err = c.DeploymentReady(ctx, "customer-c1")
	require.NoError(t, err)
	require.True(t, ready)
}

func TestWaitPodReady_TimesOutWithoutPods(t *testing.T) {
	c := newCluster()
	err := c.WaitPodReady(context.Background(), "customer-c1", 20*time.Millisecond)
	require.Error(t, err)
}

func TestWaitPodReady_SeesReadyPod(t *testing.T) {
	c := newCluster()
	ctx := context.Background()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "openclaw-gateway-abc",
			Namespace: "customer-c1",
			Labels:    map[string]string{labelApp: DeploymentName},
		},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	_, err := c.client.CoreV1().Pods("customer-c1").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.WaitPodReady(ctx, "customer-c1", time.Second))
}
