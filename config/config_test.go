package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/gofhir/txcache/terminology"
)

// ConfigTestSuite runs every test from an empty temporary directory so that
// no stray config.yaml or .env is picked up.
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	var err error
	s.origDir, err = os.Getwd()
	require.NoError(s.T(), err)

	s.tempDir = s.T().TempDir()
	require.NoError(s.T(), os.Chdir(s.tempDir))
}

func (s *ConfigTestSuite) TearDownTest() {
	if s.origDir != "" {
		_ = os.Chdir(s.origDir)
	}
}

func (s *ConfigTestSuite) writeFile(name, content string) string {
	path := filepath.Join(s.tempDir, name)
	require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *ConfigTestSuite) TestDefaults() {
	cfg, err := Load("")
	require.NoError(s.T(), err)

	assert.Empty(s.T(), cfg.Terminology.URL)
	assert.Empty(s.T(), cfg.Terminology.RemoteCodeSystems)
	assert.Equal(s.T(), 2*time.Minute, cfg.Terminology.ConnectTimeout)
	assert.Equal(s.T(), ":8080", cfg.Server.Addr)
	assert.Equal(s.T(), "info", cfg.Log.Level)

	assert.Equal(s.T(), int64(60000), cfg.Cache.Timeouts.ExpandValueSet)
	assert.Equal(s.T(), int64(600000), cfg.Cache.Timeouts.ValidateCode)
	assert.Equal(s.T(), terminology.DefaultCacheTimeouts(), cfg.CacheTimeouts())
}

func (s *ConfigTestSuite) TestFile() {
	path := s.writeFile("txcache.yaml", `
terminology:
  url: https://tx.example.org/fhir
  authorization:
    token: secret
  headers:
    x-tenant: acme
  remote-code-systems:
    - http://snomed.info/sct
    - http://loinc.org
  connect-timeout: 5s
cache:
  timeouts:
    expand-value-set: 1000
    validate-code: 2500
server:
  addr: 127.0.0.1:9000
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "https://tx.example.org/fhir", cfg.Terminology.URL)
	assert.Equal(s.T(), "secret", cfg.Terminology.Authorization.Token)
	assert.Equal(s.T(), "acme", cfg.Terminology.Headers["x-tenant"])
	assert.Equal(s.T(), []string{"http://snomed.info/sct", "http://loinc.org"}, cfg.Terminology.RemoteCodeSystems)
	assert.Equal(s.T(), 5*time.Second, cfg.Terminology.ConnectTimeout)
	assert.Equal(s.T(), "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(s.T(), "json", cfg.Log.Format)

	timeouts := cfg.CacheTimeouts()
	assert.Equal(s.T(), time.Second, timeouts.ExpandValueSet)
	assert.Equal(s.T(), 2500*time.Millisecond, timeouts.ValidateCode)
	assert.Equal(s.T(), terminology.DefaultLookupCodeTTL, timeouts.LookupCode)
}

func (s *ConfigTestSuite) TestEnvironmentOverridesFile() {
	path := s.writeFile("txcache.yaml", `
terminology:
  url: https://file.example.org/fhir
`)
	s.T().Setenv("TXCACHE_TERMINOLOGY_URL", "https://env.example.org/fhir")
	s.T().Setenv("TXCACHE_TERMINOLOGY_REMOTE_CODE_SYSTEMS", "http://snomed.info/sct,http://loinc.org")
	s.T().Setenv("TXCACHE_CACHE_TIMEOUTS_MISC", "42")

	cfg, err := Load(path)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "https://env.example.org/fhir", cfg.Terminology.URL)
	assert.Equal(s.T(), []string{"http://snomed.info/sct", "http://loinc.org"}, cfg.Terminology.RemoteCodeSystems)
	assert.Equal(s.T(), 42*time.Millisecond, cfg.CacheTimeouts().Misc)
}

func (s *ConfigTestSuite) TestEnvFile() {
	const key = "TXCACHE_SERVER_ADDR"
	s.T().Cleanup(func() { _ = os.Unsetenv(key) })
	require.NoError(s.T(), os.Unsetenv(key))

	envPath := s.writeFile("test.env", key+"=:7070\n")

	cfg, err := Load("", envPath, filepath.Join(s.tempDir, "missing.env"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ":7070", cfg.Server.Addr)
}

func (s *ConfigTestSuite) TestMissingExplicitFile() {
	cfg, err := Load(filepath.Join(s.tempDir, "nope.yaml"))
	assert.Error(s.T(), err)
	assert.Nil(s.T(), cfg)
}

func (s *ConfigTestSuite) TestMalformedFile() {
	path := s.writeFile("bad.yaml", "terminology:\n  url: [unterminated\n")
	_, err := Load(path)
	assert.Error(s.T(), err)
}

func (s *ConfigTestSuite) TestValidate() {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"relative url", func(c *Config) { c.Terminology.URL = "tx/fhir" }, "terminology.url"},
		{"negative timeout", func(c *Config) { c.Cache.Timeouts.LookupCode = -1 }, "cache.timeouts.lookup-code"},
		{"negative connect", func(c *Config) { c.Terminology.ConnectTimeout = -time.Second }, "connect-timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			cfg := Config{Log: LogConfig{Level: "info"}}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				s.NoError(err)
				return
			}
			s.ErrorContains(err, tt.wantErr)
		})
	}
}
