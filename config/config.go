// Package config loads the optional chains.yaml deployment file that maps
// each network to its RPC endpoints and explorer API keys. Command-line
// flags and environment variables override anything set here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Chain is the per-network section of the deployment file.
type Chain struct {
	RPCURLs      []string `yaml:"rpc_urls"`
	ExplorerKeys []string `yaml:"explorer_keys"`

	// ProxyURL, when set, routes all RPC traffic through a local proxy
	// and disables client-side request spacing.
	ProxyURL string `yaml:"proxy_url"`
}

// File is the parsed chains.yaml.
type File struct {
	Chains map[string]Chain `yaml:"chains"`
}

// Load parses the deployment file at path. An empty path yields an empty
// File so callers need not special-case deployments that configure purely
// through flags and environment.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Chain returns the section for a network, zero-valued when absent.
func (f *File) Chain(network string) Chain {
	if f == nil || f.Chains == nil {
		return Chain{}
	}
	return f.Chains[network]
}
