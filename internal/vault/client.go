// Package vault reads engine secrets from a HashiCorp Vault KV v2 mount.
package vault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
)

var ErrSecretNotFound = errors.New("secret not found")

// Secrets are the values the engine never keeps in config files
type Secrets struct {
	BrokerAppKey    string `json:"broker_app_key"`
	BrokerAppSecret string `json:"broker_app_secret"`
	JWTSecret       string `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Secrets

	logger zerolog.Logger
}

// NewClient creates a client. A disabled config yields a client that
// serves nothing and leaves config values untouched.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether secrets come from Vault
func (c *Client) Enabled() bool {
	return c.config.Enabled && c.client != nil
}

func (c *Client) mount() string {
	if c.config.MountPath == "" {
		return "secret"
	}
	return c.config.MountPath
}

func (c *Client) secretPath() string {
	p := c.config.SecretPath
	if p == "" {
		p = "quant-trading-engine"
	}
	return p
}

// Load reads the engine secrets, caching the first successful read
func (c *Client) Load(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.Enabled() {
		return nil, fmt.Errorf("%w: vault is disabled", ErrSecretNotFound)
	}

	secret, err := c.client.KVv2(c.mount()).Get(ctx, c.secretPath())
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path.Join(c.mount(), c.secretPath()))
		}
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path.Join(c.mount(), c.secretPath()))
	}

	s := &Secrets{
		BrokerAppKey:    getString(secret.Data, "broker_app_key"),
		BrokerAppSecret: getString(secret.Data, "broker_app_secret"),
		JWTSecret:       getString(secret.Data, "jwt_secret"),
	}
	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()

	out := *s
	return &out, nil
}

// Store writes the engine secrets
func (c *Client) Store(ctx context.Context, s Secrets) error {
	if !c.Enabled() {
		return errors.New("vault is disabled")
	}
	data := map[string]interface{}{
		"broker_app_key":    s.BrokerAppKey,
		"broker_app_secret": s.BrokerAppSecret,
		"jwt_secret":        s.JWTSecret,
	}
	if _, err := c.client.KVv2(c.mount()).Put(ctx, c.secretPath(), data); err != nil {
		return fmt.Errorf("failed to store secrets in vault: %w", err)
	}
	c.mu.Lock()
	cp := s
	c.cached = &cp
	c.mu.Unlock()
	return nil
}

// Apply overlays secrets found in Vault onto the config. Empty values leave
// the config as loaded from file and environment.
func (c *Client) Apply(ctx context.Context, cfg *config.Config) error {
	if !c.Enabled() {
		return nil
	}
	s, err := c.Load(ctx)
	if err != nil {
		return err
	}
	applied := 0
	if s.BrokerAppKey != "" {
		cfg.BrokerConfig.AppKey = s.BrokerAppKey
		applied++
	}
	if s.BrokerAppSecret != "" {
		cfg.BrokerConfig.AppSecret = s.BrokerAppSecret
		applied++
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
		applied++
	}
	c.logger.Info().Int("applied", applied).Str("path", path.Join(c.mount(), c.secretPath())).Msg("Secrets loaded from vault")
	return nil
}

// Health checks the Vault server
func (c *Client) Health(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
