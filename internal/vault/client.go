// Package vault reads chain provider credentials from HashiCorp Vault KV v2.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"continuity-engine/config"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when no chain secret is stored.
var ErrSecretNotFound = errors.New("chain secret not found")

// ChainSecret holds the provider values kept out of config files.
type ChainSecret struct {
	RPCURL       string `json:"rpc_url"`
	TokenAddress string `json:"token_address,omitempty"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *ChainSecret
}

// NewClient creates a new Vault client. A disabled config yields a client
// that only serves values stored through it in memory.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// StoreChainSecret writes the chain secret.
func (c *Client) StoreChainSecret(ctx context.Context, secret ChainSecret) error {
	if c.config.Enabled {
		payload := map[string]interface{}{
			"data": map[string]interface{}{
				"rpc_url":       secret.RPCURL,
				"token_address": secret.TokenAddress,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
			return fmt.Errorf("failed to store chain secret in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cached = &secret
	c.mu.Unlock()
	return nil
}

// GetChainSecret reads the chain secret, serving the cached copy after the
// first successful read.
func (c *Client) GetChainSecret(ctx context.Context) (*ChainSecret, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w: vault is disabled", ErrSecretNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read chain secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.dataPath())
	}

	result := &ChainSecret{
		RPCURL:       getString(data, "rpc_url"),
		TokenAddress: getString(data, "token_address"),
	}
	if result.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc_url is empty", ErrSecretNotFound)
	}

	c.mu.Lock()
	c.cached = result
	c.mu.Unlock()

	s := *result
	return &s, nil
}

// ApplyChainSecret overrides the RPC URL, and the token address when set,
// with the values stored in Vault. A disabled Vault leaves cfg untouched.
func (c *Client) ApplyChainSecret(ctx context.Context, cfg *config.ChainConfig) error {
	if !c.config.Enabled {
		return nil
	}
	secret, err := c.GetChainSecret(ctx)
	if err != nil {
		return err
	}
	cfg.RPCURL = secret.RPCURL
	if secret.TokenAddress != "" {
		cfg.TokenAddress = secret.TokenAddress
	}
	return nil
}

// ClearCache drops the cached secret so the next read hits Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// dataPath is the KV v2 data path of the chain secret.
func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", strings.Trim(c.config.MountPath, "/"), strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
