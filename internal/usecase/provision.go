package usecase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openclaw/openclaw-cloud/internal/catalog"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// handleProvision brings a pending box to active: proxy token, namespace,
// config secret, quota, network policy, deployment, readiness. Every cluster
// call is idempotent so a partial earlier run converges.
func (s *OperatorService) handleProvision(ctx domain.Context, env domain.JobEnvelope) error {
	var payload domain.ProvisionPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	box, err := s.liveBox(ctx, env)
	if err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	tier := payload.Tier
	if tier == "" {
		tier = domain.TierStarter
	}
	if !tier.Valid() {
		return fmt.Errorf("op=operator.provision: %w: tier %q", domain.ErrInvalidArgument, tier)
	}

	minted, err := s.Tokens.Mint(ctx, env.CustomerID, box.ID)
	if err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}

	if err := s.Cluster.EnsureNamespace(ctx, box.Namespace, env.CustomerID, tier); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	connJSON, err := s.connectionsJSON(ctx, env.CustomerID)
	if err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Cluster.EnsureConfigSecret(ctx, box.Namespace, s.secretData(box, minted.Token, connJSON)); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Cluster.EnsureQuota(ctx, box.Namespace, tier); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Cluster.EnsureNetworkPolicy(ctx, box.Namespace); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Cluster.EnsureDeployment(ctx, box.Namespace, tier); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Cluster.WaitPodReady(ctx, box.Namespace, s.Settings.PodReadyTimeout); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	if err := s.Boxes.MarkActive(ctx, box.ID); err != nil {
		return fmt.Errorf("op=operator.provision: %w", err)
	}
	return nil
}

// secretData assembles the full openclaw-config secret for a box. The raw
// proxy token is the box's upstream credential and only ever lives here.
func (s *OperatorService) secretData(box domain.Box, proxyToken, connectionsJSON string) map[string]string {
	ids := make([]string, 0, len(box.TelegramUserIDs))
	for _, id := range box.TelegramUserIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	data := map[string]string{
		"TELEGRAM_BOT_TOKEN":         s.Settings.TelegramBotToken,
		"TELEGRAM_ALLOW_FROM":        strings.Join(ids, ","),
		"KIMI_API_KEY":               proxyToken,
		"KIMI_BASE_URL":              strings.TrimRight(s.Settings.TokenProxyURL, "/") + "/v1",
		"OPENCLAW_MODEL":             box.Model,
		"OPENCLAW_THINKING":          box.ThinkingLevel,
		"NODE_OPTIONS":               "--max-old-space-size=896",
		"OPENCLAW_BROWSER_PROXY_URL": s.Settings.BrowserProxyURL,
		"OPENCLAW_CONNECTIONS":       connectionsJSON,
	}
	if box.BundleID != nil {
		if niche, ok := catalog.LookupNiche(*box.BundleID); ok && niche.SystemPrompt != "" {
			data["OPENCLAW_SYSTEM_PROMPT"] = niche.SystemPrompt
		}
	}
	return data
}

// connectionsJSON builds the OPENCLAW_CONNECTIONS payload from the
// customer's active connections and the provider catalog.
func (s *OperatorService) connectionsJSON(ctx domain.Context, customerID string) (string, error) {
	conns, err := s.Conns.ListActiveByCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	entries := make([]catalog.ConnectionEntry, 0, len(conns))
	for _, c := range conns {
		entries = append(entries, catalog.Entry(c.Provider, c.NangoConnectionID))
	}
	doc := map[string]any{
		"nango_proxy_url":  s.Settings.NangoServerURL,
		"nango_secret_key": s.Settings.NangoSecretKey,
		"api_url":          s.Settings.APIURL,
		"api_secret":       s.Settings.AgentAPISecret,
		"customer_id":      customerID,
		"web_url":          s.Settings.WebURL,
		"connections":      entries,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
