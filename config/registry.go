package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/artpar/metergate/domain/pricing"
	"github.com/artpar/metergate/domain/registry"
)

// registryFile is the YAML shape of the API registry file.
type registryFile struct {
	APIs []registryAPI `yaml:"apis"`
	Keys []registryKey `yaml:"keys"`
}

type registryAPI struct {
	ID          string             `yaml:"id"`
	Slug        string             `yaml:"slug"`
	BaseURL     string             `yaml:"base_url"`
	DeveloperID string             `yaml:"developer_id"`
	Endpoints   []registryEndpoint `yaml:"endpoints"`
}

type registryEndpoint struct {
	ID        string  `yaml:"id"`
	Path      string  `yaml:"path"`
	PriceUSDC float64 `yaml:"price_usdc"`
}

type registryKey struct {
	ID          string `yaml:"id"`
	Value       string `yaml:"value"`
	DeveloperID string `yaml:"developer_id"`
	APIID       string `yaml:"api_id"`
}

// LoadRegistry reads and validates the API registry file, returning the
// snapshot that feeds the in-memory registry store.
func LoadRegistry(path string) ([]registry.Entry, []registry.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse registry: %w", err)
	}

	entries := make([]registry.Entry, 0, len(file.APIs))
	seenAPI := make(map[string]bool, len(file.APIs))
	seenSlug := make(map[string]bool, len(file.APIs))
	for i, api := range file.APIs {
		if api.ID == "" {
			return nil, nil, fmt.Errorf("apis[%d].id is required", i)
		}
		if seenAPI[api.ID] {
			return nil, nil, fmt.Errorf("apis[%d]: duplicate id %q", i, api.ID)
		}
		seenAPI[api.ID] = true
		if api.Slug != "" {
			if seenSlug[api.Slug] {
				return nil, nil, fmt.Errorf("apis[%d] (%s): duplicate slug %q", i, api.ID, api.Slug)
			}
			seenSlug[api.Slug] = true
		}
		if api.BaseURL == "" {
			return nil, nil, fmt.Errorf("apis[%d] (%s): base_url is required", i, api.ID)
		}

		endpoints := make([]pricing.Endpoint, 0, len(api.Endpoints))
		for j, ep := range api.Endpoints {
			if ep.PriceUSDC < 0 {
				return nil, nil, fmt.Errorf("apis[%d].endpoints[%d]: price_usdc must not be negative", i, j)
			}
			endpoints = append(endpoints, pricing.Endpoint{
				ID:          ep.ID,
				PathPattern: ep.Path,
				PriceUSDC:   ep.PriceUSDC,
			})
		}

		entries = append(entries, registry.Entry{
			ID:          api.ID,
			Slug:        api.Slug,
			BaseURL:     api.BaseURL,
			DeveloperID: api.DeveloperID,
			Endpoints:   endpoints,
		})
	}

	keys := make([]registry.Key, 0, len(file.Keys))
	seenValue := make(map[string]bool, len(file.Keys))
	for i, k := range file.Keys {
		if k.Value == "" {
			return nil, nil, fmt.Errorf("keys[%d].value is required", i)
		}
		// Keys are looked up by raw value, so a duplicate would silently
		// shadow another developer's key.
		if seenValue[k.Value] {
			return nil, nil, fmt.Errorf("keys[%d] (%s): duplicate value", i, k.ID)
		}
		seenValue[k.Value] = true
		if k.APIID != "" && !seenAPI[k.APIID] {
			return nil, nil, fmt.Errorf("keys[%d] (%s): unknown api_id %q", i, k.ID, k.APIID)
		}
		keys = append(keys, registry.Key{
			ID:          k.ID,
			Value:       k.Value,
			DeveloperID: k.DeveloperID,
			APIID:       k.APIID,
		})
	}

	return entries, keys, nil
}
