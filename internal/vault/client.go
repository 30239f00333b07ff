package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/logging"
)

// Credentials holds the exchange API credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client reads exchange credentials from a HashiCorp Vault KV-v2 mount.
// With Vault disabled it serves the credentials passed at construction,
// so local runs work off environment variables alone.
type Client struct {
	client   *api.Client
	cfg      config.VaultConfig
	fallback Credentials

	mu     sync.RWMutex
	cached *Credentials
	log    zerolog.Logger
}

// NewClient creates a Vault credential source. fallback is served when
// Vault is disabled or the secret is missing the expected fields.
func NewClient(cfg config.VaultConfig, fallback Credentials) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		fallback: fallback,
		log:      logging.Component("vault"),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// GetCredentials returns the exchange credentials, preferring Vault
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		creds := c.fallback
		return &creds, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretKey)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error reading credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at vault path %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret shape at vault path %s", path)
	}

	creds := &Credentials{IsTestnet: c.fallback.IsTestnet}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["secret_key"].(string); ok {
		creds.SecretKey = v
	}
	if v, ok := data["is_testnet"].(bool); ok {
		creds.IsTestnet = v
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("vault secret at %s is missing api_key or secret_key", path)
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	c.log.Info().Str("path", path).Msg("exchange credentials loaded from vault")
	result := *creds
	return &result, nil
}

// Invalidate drops the cached credentials so the next read hits Vault
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
