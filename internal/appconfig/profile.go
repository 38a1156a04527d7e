// Package appconfig resolves flashctl's credentials and on-disk state
// locations the way the Particle CLI tooling this module descends from
// does: environment variables first, then a profile file under the user's
// home directory.
package appconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// GithubTokenEnvVar authenticates draft-release lookups against the
	// release host. It has no on-disk fallback.
	GithubTokenEnvVar = "GITHUB_TOKEN"

	// ParticleTokenEnvVar authenticates device-registry API calls. When
	// unset, the active profile's access token is used instead.
	ParticleTokenEnvVar = "PARTICLE_TOKEN"
)

// ErrNoProfile names the no-active-profile condition. LoadCredentials does
// not return it: a missing profile.json yields credentials with an empty
// RegistryToken and a nil error.
var ErrNoProfile = errors.New("appconfig: no active particle profile found")

// profileFile is the shape of ~/.particle/profile.json.
type profileFile struct {
	Name string `json:"name"`
}

// profileConfigFile is the shape of ~/.particle/<profile>.config.json.
type profileConfigFile struct {
	AccessToken string `json:"access_token"`
	APIURL      string `json:"apiUrl"`
}

// Credentials bundles the tokens needed to talk to the release host and
// the device registry.
type Credentials struct {
	GithubToken    string
	RegistryToken  string
	RegistryAPIURL string
}

// particleHome returns ~/.particle, creating nothing — callers that need
// the directory to exist create it themselves.
func particleHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("appconfig: cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".particle"), nil
}

// LoadCredentials resolves the GitHub and registry tokens per §6 of the
// specification: environment variables take precedence; the registry
// token falls back to the active profile's config file.
func LoadCredentials() (*Credentials, error) {
	creds := &Credentials{
		GithubToken: os.Getenv(GithubTokenEnvVar),
	}

	if tok := os.Getenv(ParticleTokenEnvVar); tok != "" {
		creds.RegistryToken = tok
		return creds, nil
	}

	home, err := particleHome()
	if err != nil {
		return nil, err
	}

	profileBytes, err := os.ReadFile(filepath.Join(home, "profile.json"))
	if os.IsNotExist(err) {
		return creds, nil // no profile, no registry token — caller decides if that's fatal
	}
	if err != nil {
		return nil, fmt.Errorf("appconfig: reading profile.json: %w", err)
	}

	var profile profileFile
	if err := json.Unmarshal(profileBytes, &profile); err != nil {
		return nil, fmt.Errorf("appconfig: parsing profile.json: %w", err)
	}
	if profile.Name == "" {
		return creds, nil
	}

	cfgBytes, err := os.ReadFile(filepath.Join(home, profile.Name+".config.json"))
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appconfig: reading %s.config.json: %w", profile.Name, err)
	}

	var cfg profileConfigFile
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, fmt.Errorf("appconfig: parsing %s.config.json: %w", profile.Name, err)
	}
	creds.RegistryToken = cfg.AccessToken
	creds.RegistryAPIURL = cfg.APIURL
	return creds, nil
}

// RequireGithubToken returns an error naming GITHUB_TOKEN when a draft
// release is requested without it set. Startup-time hard failure
// per §7.
func (c *Credentials) RequireGithubToken() error {
	if c.GithubToken == "" {
		return fmt.Errorf("draft release requested but %s is not set", GithubTokenEnvVar)
	}
	return nil
}
