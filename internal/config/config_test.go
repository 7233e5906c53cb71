// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 45*time.Second, cfg.Service.PollTimeout)
	assert.Equal(t, 10, cfg.Service.MaxConsecutiveErrors)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NotEmpty(t, cfg.State.Path)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
metrics:
  enabled: true
  addr: "127.0.0.1:9200"
state:
  path: ":memory:"
providers:
  gmail:
    credentials_path: /etc/wst/gmail.json
    requests_per_minute: 60
triggers:
  - id: billing-inbox
    provider: gmail
    resource: me
    interval: 5m
    query: "from:billing@example.com"
  - id: team-calendars
    provider: calendar
    resources:
      - primary
      - team@example.com
    interval: 2m
    status_filter: confirmed
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9200", cfg.Metrics.Addr)
	assert.Equal(t, ":memory:", cfg.State.Path)

	require.Contains(t, cfg.Providers, "gmail")
	assert.Equal(t, 60, cfg.Providers["gmail"].RequestsPerMinute)

	require.Len(t, cfg.Triggers, 2)
	assert.Equal(t, "billing-inbox", cfg.Triggers[0].ID)
	assert.Equal(t, "gmail", cfg.Triggers[0].Provider)
	assert.Equal(t, "me", cfg.Triggers[0].Options.Resource)
	assert.Equal(t, 5*time.Minute, cfg.Triggers[0].Options.Interval)
	assert.Equal(t, "from:billing@example.com", cfg.Triggers[0].Options.Query)
	assert.Equal(t, []string{"primary", "team@example.com"}, cfg.Triggers[1].Options.Resources)

	// Defaults still applied to fields the file omits.
	assert.Equal(t, 45*time.Second, cfg.Service.PollTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: warn
`)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("WST_STATE_PATH", ":memory:")
	t.Setenv("WST_POLL_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, ":memory:", cfg.State.Path)
	assert.Equal(t, 90*time.Second, cfg.Service.PollTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate_TriggerErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "interval below floor",
			yaml: `
triggers:
  - id: too-fast
    provider: gmail
    resource: me
    interval: 30s
`,
			wantErr: "interval",
		},
		{
			name: "duplicate trigger ids",
			yaml: `
triggers:
  - id: dup
    provider: gmail
    resource: me
    interval: 1m
  - id: dup
    provider: calendar
    resource: primary
    interval: 1m
`,
			wantErr: "duplicate trigger id",
		},
		{
			name: "unknown provider",
			yaml: `
triggers:
  - id: t1
    provider: slack
    resource: general
    interval: 1m
`,
			wantErr: "unknown provider",
		},
		{
			name: "contradictory resource selectors",
			yaml: `
triggers:
  - id: t1
    provider: gmail
    resource: me
    resources: [a, b]
    interval: 1m
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "missing resource",
			yaml: `
triggers:
  - id: t1
    provider: gmail
    interval: 1m
`,
			wantErr: "resource selector is required",
		},
		{
			name: "conflicting credentials",
			yaml: `
providers:
  gmail:
    credentials_json: '{"type":"service_account"}'
    credentials_path: /etc/key.json
`,
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
triggers:
  - id: t1
    provider: gmail
    resource: me
    interval: 5s
  - id: ""
    provider: nope
    resource: x
    interval: 1m
`)

	_, err := Load(path)
	require.Error(t, err)
	// One load reports every problem, not just the first.
	assert.Contains(t, err.Error(), "interval")
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "unknown provider")
}
