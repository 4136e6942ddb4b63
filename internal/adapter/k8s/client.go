// Package k8s implements the orchestrator's cluster adapter on the typed
// client-go API. Every ensure-style call treats "already exists" as success
// so provision can be re-run after a partial failure and converge.
package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewConfig builds a rest.Config, preferring in-cluster credentials and
// falling back to the given kubeconfig path (or ~/.kube/config).
func NewConfig(kubeconfig string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	path := kubeconfig
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("op=k8s.config: %w", err)
		}
		path = filepath.Join(home, ".kube", "config")
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("op=k8s.config: %w", err)
	}
	return cfg, nil
}

// NewClients returns the typed and dynamic clients sharing one config.
func NewClients(cfg *rest.Config) (kubernetes.Interface, dynamic.Interface, error) {
	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("op=k8s.clients: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("op=k8s.clients: %w", err)
	}
	return typed, dyn, nil
}
