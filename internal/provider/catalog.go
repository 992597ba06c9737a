// catalog.go seeds provider descriptors into the store at boot from a
// YAML file, the same shape as the teacher's
// internal/providers/catalog/catalog.go loading its LLM-backend catalog
// — a fileConfig struct decoded with gopkg.in/yaml.v3, one entry per
// provider, environment overrides for secrets.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gopkg.in/yaml.v3"
)

// DescriptorConfig is one YAML entry describing a provider's static
// configuration.
type DescriptorConfig struct {
	Name             string   `yaml:"name"`
	AuthorizationURL string   `yaml:"authorization_url"`
	TokenURL         string   `yaml:"token_url"`
	PermittedScopes  []string `yaml:"permitted_scopes"`
	DefaultScopes    []string `yaml:"default_scopes"`
	ClientSecretEnv  string   `yaml:"client_secret_env"`
	Enabled          *bool    `yaml:"enabled"`
}

type fileConfig struct {
	Providers []DescriptorConfig `yaml:"providers"`
}

// LoadCatalogFile parses a provider-descriptor YAML file.
func LoadCatalogFile(path string) ([]DescriptorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("provider: read catalog %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("provider: parse catalog %s: %w", path, err)
	}
	return fc.Providers, nil
}

// SeedDescriptors upserts every configured provider descriptor into the
// store, encrypting each client secret (read from its named environment
// variable) before persisting it.
func SeedDescriptors(ctx context.Context, st store.Store, keyring *crypto.Keyring, configs []DescriptorConfig) error {
	now := time.Now()
	for _, c := range configs {
		enabled := true
		if c.Enabled != nil {
			enabled = *c.Enabled
		}

		secret := os.Getenv(c.ClientSecretEnv)
		var cipherSecret string
		if secret != "" {
			enc, err := keyring.EncryptString(secret)
			if err != nil {
				return fmt.Errorf("provider: encrypt client secret for %s: %w", c.Name, err)
			}
			cipherSecret = enc
		}

		d := &models.ProviderDescriptor{
			Name:                c.Name,
			AuthorizationURL:    c.AuthorizationURL,
			TokenURL:            c.TokenURL,
			PermittedScopesCSV:  strings.Join(c.PermittedScopes, ","),
			DefaultScopesCSV:    strings.Join(c.DefaultScopes, ","),
			ClientSecretCipher:  cipherSecret,
			Enabled:             enabled,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := st.UpsertProviderDescriptor(ctx, d); err != nil {
			return fmt.Errorf("provider: seed %s: %w", c.Name, err)
		}
	}
	return nil
}
