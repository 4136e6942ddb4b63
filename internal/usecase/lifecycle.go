package usecase

import (
	"fmt"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// unhealthyAfter is the consecutive readiness failures before a box is
// marked unhealthy.
const unhealthyAfter = 3

// handleUpdate patches a subset of the box secret and rolls the deployment.
func (s *OperatorService) handleUpdate(ctx domain.Context, env domain.JobEnvelope) error {
	var payload domain.UpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.update: %w", err)
	}
	if len(payload.SecretData) == 0 {
		return fmt.Errorf("op=operator.update: %w: empty secret_data", domain.ErrInvalidArgument)
	}
	if err := s.Cluster.PatchConfigSecret(ctx, box.Namespace, payload.SecretData); err != nil {
		return fmt.Errorf("op=operator.update: %w", err)
	}
	if err := s.rollAndWait(ctx, box.Namespace); err != nil {
		return fmt.Errorf("op=operator.update: %w", err)
	}
	if err := s.Boxes.TouchUpdated(ctx, box.ID); err != nil {
		return fmt.Errorf("op=operator.update: %w", err)
	}
	if box.Status == domain.BoxUpdating {
		if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxActive); err != nil {
			return fmt.Errorf("op=operator.update: %w", err)
		}
	}
	return nil
}

// handleUpdateConnections rebuilds OPENCLAW_CONNECTIONS from the customer's
// active connection rows and rolls the deployment.
func (s *OperatorService) handleUpdateConnections(ctx domain.Context, env domain.JobEnvelope) error {
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.update_connections: %w", err)
	}
	connJSON, err := s.connectionsJSON(ctx, env.CustomerID)
	if err != nil {
		return fmt.Errorf("op=operator.update_connections: %w", err)
	}
	if err := s.Cluster.PatchConfigSecret(ctx, box.Namespace, map[string]string{"OPENCLAW_CONNECTIONS": connJSON}); err != nil {
		return fmt.Errorf("op=operator.update_connections: %w", err)
	}
	if err := s.rollAndWait(ctx, box.Namespace); err != nil {
		return fmt.Errorf("op=operator.update_connections: %w", err)
	}
	if err := s.Boxes.TouchUpdated(ctx, box.ID); err != nil {
		return fmt.Errorf("op=operator.update_connections: %w", err)
	}
	return nil
}

// handleDestroy tears the box down. The namespace delete cascades every
// resource inside it; token revocation tolerates an already-revoked token.
func (s *OperatorService) handleDestroy(ctx domain.Context, env domain.JobEnvelope) error {
	var payload domain.DestroyPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.destroy: %w", err)
	}
	if err := s.Cluster.DeleteNamespace(ctx, box.Namespace); err != nil {
		return fmt.Errorf("op=operator.destroy: %w", err)
	}
	if payload.ProxyTokenID != "" {
		if err := s.Tokens.Revoke(ctx, payload.ProxyTokenID); err != nil {
			return fmt.Errorf("op=operator.destroy: %w", err)
		}
	}
	if err := s.Boxes.MarkDestroyed(ctx, box.ID); err != nil {
		return fmt.Errorf("op=operator.destroy: %w", err)
	}
	return nil
}

func (s *OperatorService) handleSuspend(ctx domain.Context, env domain.JobEnvelope) error {
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.suspend: %w", err)
	}
	if err := s.Cluster.ScaleDeployment(ctx, box.Namespace, 0); err != nil {
		return fmt.Errorf("op=operator.suspend: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxSuspended); err != nil {
		return fmt.Errorf("op=operator.suspend: %w", err)
	}
	return nil
}

func (s *OperatorService) handleReactivate(ctx domain.Context, env domain.JobEnvelope) error {
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.reactivate: %w", err)
	}
	if err := s.Cluster.ScaleDeployment(ctx, box.Namespace, 1); err != nil {
		return fmt.Errorf("op=operator.reactivate: %w", err)
	}
	if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxActive); err != nil {
		return fmt.Errorf("op=operator.reactivate: %w", err)
	}
	return nil
}

// handleResize moves the box and its subscription to a new tier.
func (s *OperatorService) handleResize(ctx domain.Context, env domain.JobEnvelope) error {
	var payload domain.ResizePayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if !payload.NewTier.Valid() {
		return fmt.Errorf("op=operator.resize: %w: tier %q", domain.ErrInvalidArgument, payload.NewTier)
	}
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	if err := s.Cluster.PatchQuota(ctx, box.Namespace, payload.NewTier); err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	if err := s.Cluster.PatchDeploymentResources(ctx, box.Namespace, payload.NewTier); err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	if err := s.rollAndWait(ctx, box.Namespace); err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	limit, err := payload.NewTier.TokenLimit()
	if err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	if err := s.Subs.UpdatePlanByCustomer(ctx, env.CustomerID, payload.NewTier, limit); err != nil {
		return fmt.Errorf("op=operator.resize: %w", err)
	}
	if box.Status == domain.BoxUpdating {
		if err := s.Boxes.UpdateStatus(ctx, box.ID, domain.BoxActive); err != nil {
			return fmt.Errorf("op=operator.resize: %w", err)
		}
	}
	return nil
}

// handleHealthCheck probes deployment readiness and drives the
// health_failures counter. Boxes outside {active, unhealthy} are skipped.
func (s *OperatorService) handleHealthCheck(ctx domain.Context, env domain.JobEnvelope) error {
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.health_check: %w", err)
	}
	if !box.Status.Admits(domain.JobHealthCheck) {
		return nil
	}
	ready, err := s.Cluster.DeploymentReady(ctx, box.Namespace)
	if err != nil {
		return fmt.Errorf("op=operator.health_check: %w", err)
	}
	if ready {
		if err := s.Boxes.UpdateHealth(ctx, box.ID, 0, domain.BoxActive); err != nil {
			return fmt.Errorf("op=operator.health_check: %w", err)
		}
		return nil
	}
	failures := box.HealthFailures + 1
	status := box.Status
	if failures >= unhealthyAfter {
		status = domain.BoxUnhealthy
	}
	if err := s.Boxes.UpdateHealth(ctx, box.ID, failures, status); err != nil {
		return fmt.Errorf("op=operator.health_check: %w", err)
	}
	return nil
}

// rollAndWait restarts the deployment and waits for the rollout to settle.
func (s *OperatorService) rollAndWait(ctx domain.Context, namespace string) error {
	if err := s.Cluster.RestartDeployment(ctx, namespace); err != nil {
		return err
	}
	return s.Cluster.WaitRollout(ctx, namespace, s.Settings.RolloutTimeout)
}
