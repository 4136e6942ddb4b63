package k8s

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

const namespacePrefix = "customer-"

var podMetricsGVR = schema.GroupVersionResource{
	Group:    "metrics.k8s.io",
	Version:  "v1beta1",
	Resource: "pods",
}

// MetricsSource reads point-in-time pod usage from the metrics-server API
// via the dynamic client; the typed client has no metrics.k8s.io surface.
type MetricsSource struct {
	dyn dynamic.Interface
}

// NewMetricsSource constructs a source over the dynamic client.
func NewMetricsSource(dyn dynamic.Interface) *MetricsSource {
	return &MetricsSource{dyn: dyn}
}

// ListPodMetrics returns one sample per running box pod, summed across
// containers. Namespaces outside the customer- prefix are skipped.
func (m *MetricsSource) ListPodMetrics(ctx domain.Context) ([]domain.PodMetricsSample, error) {
	list, err := m.dyn.Resource(podMetricsGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=k8s.list_pod_metrics: %w", err)
	}
	now := time.Now().UTC()
	var out []domain.PodMetricsSample
	for _, item := range list.Items {
		ns := item.GetNamespace()
		if !strings.HasPrefix(ns, namespacePrefix) {
			continue
		}
		cpu, mem := sumContainerUsage(&item)
		out = append(out, domain.PodMetricsSample{
			CustomerID:    customerIDFromNamespace(ns),
			Namespace:     ns,
			PodName:       item.GetName(),
			CPUMillicores: cpu,
			MemoryBytes:   mem,
			CollectedAt:   now,
		})
	}
	return out, nil
}

func sumContainerUsage(item *unstructured.Unstructured) (cpuMilli, memBytes int64) {
	containers, _, _ := unstructured.NestedSlice(item.Object, "containers")
	for _, c := range containers {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		usage, _, _ := unstructured.NestedStringMap(cm, "usage")
		if q, err := resource.ParseQuantity(usage["cpu"]); err == nil {
			cpuMilli += q.MilliValue()
		}
		if q, err := resource.ParseQuantity(usage["memory"]); err == nil {
			memBytes += q.Value()
		}
	}
	return cpuMilli, memBytes
}

// customerIDFromNamespace strips the customer- prefix; the optional -N
// disambiguation suffix stays attached since it is part of the box identity.
func customerIDFromNamespace(ns string) string {
	return strings.TrimPrefix(ns, namespacePrefix)
}

func ctxWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
