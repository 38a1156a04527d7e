package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCredentials_EnvVarsTakePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(GithubTokenEnvVar, "gh-token")
	t.Setenv(ParticleTokenEnvVar, "particle-token")

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.GithubToken != "gh-token" {
		t.Fatalf("GithubToken = %q, want gh-token", creds.GithubToken)
	}
	if creds.RegistryToken != "particle-token" {
		t.Fatalf("RegistryToken = %q, want particle-token, should short-circuit profile lookup", creds.RegistryToken)
	}
}

func TestLoadCredentials_NoProfileIsNotFatal(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(GithubTokenEnvVar, "")
	t.Setenv(ParticleTokenEnvVar, "")

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials with no profile.json: %v", err)
	}
	if creds.RegistryToken != "" {
		t.Fatalf("RegistryToken = %q, want empty with no profile present", creds.RegistryToken)
	}
}

func TestLoadCredentials_ProfileFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(GithubTokenEnvVar, "")
	t.Setenv(ParticleTokenEnvVar, "")

	particleDir := filepath.Join(home, ".particle")
	if err := os.MkdirAll(particleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(particleDir, "profile.json"), []byte(`{"name":"myprofile"}`), 0o644); err != nil {
		t.Fatalf("write profile.json: %v", err)
	}
	cfg := `{"access_token":"profile-token","apiUrl":"https://example.test/v1"}`
	if err := os.WriteFile(filepath.Join(particleDir, "myprofile.config.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.RegistryToken != "profile-token" {
		t.Fatalf("RegistryToken = %q, want profile-token", creds.RegistryToken)
	}
	if creds.RegistryAPIURL != "https://example.test/v1" {
		t.Fatalf("RegistryAPIURL = %q, want https://example.test/v1", creds.RegistryAPIURL)
	}
}

func TestRequireGithubToken(t *testing.T) {
	c := &Credentials{}
	if err := c.RequireGithubToken(); err == nil {
		t.Fatal("RequireGithubToken with no token: want error, got nil")
	}
	c.GithubToken = "set"
	if err := c.RequireGithubToken(); err != nil {
		t.Fatalf("RequireGithubToken with token set: %v", err)
	}
}

func TestCacheRootAndReleaseCacheDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	root, err := CacheRoot()
	if err != nil {
		t.Fatalf("CacheRoot: %v", err)
	}
	want := filepath.Join(home, ".particle", "flashctl", "binaries")
	if root != want {
		t.Fatalf("CacheRoot = %q, want %q", root, want)
	}

	dir, err := ReleaseCacheDir("2.1.0")
	if err != nil {
		t.Fatalf("ReleaseCacheDir: %v", err)
	}
	if dir != filepath.Join(want, "2.1.0") {
		t.Fatalf("ReleaseCacheDir = %q, want %q", dir, filepath.Join(want, "2.1.0"))
	}
}

func TestHistory_AppendAndLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")

	entries, err := LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory on empty state: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}

	e := HistoryEntry{DeviceID: "dev-1", Platform: "boron", Version: "2.1.0", Success: true}
	if err := AppendHistory(e); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	entries, err = LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].DeviceID != "dev-1" {
		t.Fatalf("entries = %+v, want one entry for dev-1", entries)
	}
}

func TestHistory_TrimsToMaxEntries(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")

	for i := 0; i < maxHistoryEntries+10; i++ {
		if err := AppendHistory(HistoryEntry{DeviceID: "dev"}); err != nil {
			t.Fatalf("AppendHistory #%d: %v", i, err)
		}
	}

	entries, err := LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(entries) != maxHistoryEntries {
		t.Fatalf("got %d entries, want %d (trimmed to the cap)", len(entries), maxHistoryEntries)
	}
}
