package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// fixtureFile is the on-disk shape of a license seed file.
type fixtureFile struct {
	Licenses []fixtureRecord `yaml:"licenses"`
}

type fixtureRecord struct {
	Key       string `yaml:"key"`
	Domain    string `yaml:"domain"`
	Status    string `yaml:"status"`
	ExpiresAt string `yaml:"expires_at"`
}

// LoadFixtures seeds the store with licenses from a YAML file. Existing
// records with the same key are replaced; intended for dev and test setups.
func LoadFixtures(ctx context.Context, s Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse fixture file: %w", err)
	}

	for i, fx := range file.Licenses {
		if fx.Key == "" || fx.Domain == "" {
			return 0, fmt.Errorf("fixture %d: key and domain are required", i)
		}

		status := Status(fx.Status)
		if fx.Status == "" {
			status = StatusActive
		}
		if !status.Valid() {
			return 0, fmt.Errorf("fixture %d: unknown status %q", i, fx.Status)
		}

		expiresAt, err := time.Parse(time.RFC3339, fx.ExpiresAt)
		if err != nil {
			return 0, fmt.Errorf("fixture %d: bad expires_at: %w", i, err)
		}

		rec := &LicenseRecord{
			Key:       fx.Key,
			Domain:    fx.Domain,
			Status:    status,
			ExpiresAt: expiresAt,
		}
		if err := s.Put(ctx, rec); err != nil {
			return 0, fmt.Errorf("fixture %d: %w", i, err)
		}
	}

	return len(file.Licenses), nil
}
