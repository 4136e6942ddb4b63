// Package catalog holds the embedded provider and niche catalogs. Providers
// describe how a connected integration reaches the gateway: native providers
// inject the credential as an environment variable, the rest get an MCP
// server descriptor. Niches bundle a system prompt with recommended
// providers for onboarding.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var providersYAML []byte

//go:embed niches.yaml
var nichesYAML []byte

// MCPServer describes how the gateway spawns or dials an MCP server for a
// provider. JSON field names are the gateway's wire contract.
type MCPServer struct {
	Type     string   `yaml:"type" json:"type"`
	BaseURL  string   `yaml:"base_url,omitempty" json:"baseUrl,omitempty"`
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args     []string `yaml:"args,omitempty" json:"args,omitempty"`
	TokenEnv string   `yaml:"token_env,omitempty" json:"tokenEnv,omitempty"`
}

// Provider is one catalog entry. Exactly one of NativeEnv and MCP is set.
type Provider struct {
	NativeEnv string     `yaml:"native_env,omitempty"`
	MCP       *MCPServer `yaml:"mcp,omitempty"`
}

// Niche is an onboarding preset for a vertical.
type Niche struct {
	Name                 string   `yaml:"name"`
	Icon                 string   `yaml:"icon"`
	RecommendedProviders []string `yaml:"recommended_providers"`
	SystemPrompt         string   `yaml:"system_prompt"`
}

// ConnectionEntry is one element of the OPENCLAW_CONNECTIONS payload handed
// to the gateway. Unknown providers carry neither native_env nor mcp.
type ConnectionEntry struct {
	Provider     string     `json:"provider"`
	ConnectionID string     `json:"connection_id"`
	NativeEnv    string     `json:"native_env,omitempty"`
	MCP          *MCPServer `json:"mcp,omitempty"`
}

var (
	providers map[string]Provider
	niches    map[string]Niche
)

func init() {
	var pdoc struct {
		Providers map[string]Provider `yaml:"providers"`
	}
	if err := yaml.Unmarshal(providersYAML, &pdoc); err != nil {
		panic(fmt.Sprintf("catalog: providers.yaml: %v", err))
	}
	providers = pdoc.Providers

	var ndoc struct {
		Niches map[string]Niche `yaml:"niches"`
	}
	if err := yaml.Unmarshal(nichesYAML, &ndoc); err != nil {
		panic(fmt.Sprintf("catalog: niches.yaml: %v", err))
	}
	niches = ndoc.Niches
}

// LookupProvider returns the catalog entry for a provider slug.
func LookupProvider(slug string) (Provider, bool) {
	p, ok := providers[slug]
	return p, ok
}

// Providers returns the known provider slugs, sorted.
func Providers() []string {
	out := make([]string, 0, len(providers))
	for slug := range providers {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// LookupNiche returns the niche preset for a slug.
func LookupNiche(slug string) (Niche, bool) {
	n, ok := niches[slug]
	return n, ok
}

// Entry builds the gateway connection descriptor for one active connection.
func Entry(provider, connectionID string) ConnectionEntry {
	e := ConnectionEntry{Provider: provider, ConnectionID: connectionID}
	if p, ok := providers[provider]; ok {
		e.NativeEnv = p.NativeEnv
		e.MCP = p.MCP
	}
	return e
}
