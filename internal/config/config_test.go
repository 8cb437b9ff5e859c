package config

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"AZDO_ORG_URL":          "https://dev.azure.com/contoso/",
		"AZDO_ALLOWED_PROJECTS": "a,b",
	}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	if cfg.OrgURL != "https://dev.azure.com/contoso" {
		t.Fatalf("OrgURL = %q", cfg.OrgURL)
	}
	if cfg.APIVersion != "7.0" || cfg.ApprovalsAPIVersion != "7.1-preview.1" {
		t.Fatalf("api versions = %q %q", cfg.APIVersion, cfg.ApprovalsAPIVersion)
	}
	if cfg.MaxRuns != 20 || cfg.RefreshInterval != 10*time.Second || cfg.HTTPRetries != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AllowedProjects, []string{"a", "b"}) {
		t.Fatalf("AllowedProjects = %v", cfg.AllowedProjects)
	}
	if !strings.HasPrefix(cfg.UserAgent, "pipescope/1.0 (") {
		t.Fatalf("UserAgent = %q", cfg.UserAgent)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{OrgURL: "https://dev.azure.com/contoso", MaxRuns: 20, RefreshInterval: 10 * time.Second}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing org", mutate: func(c *Config) { c.OrgURL = "" }, wantErr: true},
		{name: "plain http", mutate: func(c *Config) { c.OrgURL = "http://tfs.local/tfs/Default" }, wantErr: true},
		{name: "plain http allowed", mutate: func(c *Config) {
			c.OrgURL = "http://tfs.local/tfs/Default"
			c.AllowInsecureHTTP = true
		}},
		{name: "no scheme", mutate: func(c *Config) { c.OrgURL = "dev.azure.com/contoso" }, wantErr: true},
		{name: "ftp", mutate: func(c *Config) { c.OrgURL = "ftp://dev.azure.com" }, wantErr: true},
		{name: "zero runs", mutate: func(c *Config) { c.MaxRuns = 0 }, wantErr: true},
		{name: "fast refresh", mutate: func(c *Config) { c.RefreshInterval = 10 * time.Millisecond }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
