// Package auth wires remote-specific credentials into the environment a
// gitdriver.Driver invocation runs with: SSH key/known-hosts options for
// ssh-ish remotes, and username/password (or a GitHub App installation
// token) for https remotes via a GIT_ASKPASS helper script.
package auth

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/utilitywarehouse/reposync/internal/giturl"
)

// Config is the auth configuration internal/project applies to a remote.
// The manifest has no auth block: the caller fills Config in and the sync
// engine hands the same one to every project.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SSHKeyPath        string `yaml:"ssh_key_path"`
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	GithubAppID             string `yaml:"github_app_id"`
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// TokenSource caches the most recently minted GitHub App installation
// token together with the repo it is scoped to, refreshing it shortly
// before expiry. A request for a different repo mints a replacement.
type TokenSource struct {
	cfg Config

	mu        chan struct{} // 1-buffered, acts as a non-reentrant mutex usable from a value receiver
	repo      string
	token     string
	expiresAt time.Time
}

// NewTokenSource returns a TokenSource for cfg. cfg's GitHub App fields may
// be empty if this remote doesn't use App auth.
func NewTokenSource(cfg Config) *TokenSource {
	ts := &TokenSource{cfg: cfg, mu: make(chan struct{}, 1)}
	ts.mu <- struct{}{}
	return ts
}

// Token returns a valid installation token scoped to repo, fetching a new
// one if the cached token is scoped to another repo or expires within 10
// minutes.
func (ts *TokenSource) Token(ctx context.Context, repo string) (string, error) {
	<-ts.mu
	defer func() { ts.mu <- struct{}{} }()

	if ts.repo == repo && ts.expiresAt.After(time.Now().UTC().Add(10 * time.Minute)) {
		return ts.token, nil
	}

	perms := GithubAppTokenReqPermissions{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	}
	tok, err := GithubAppInstallationToken(ctx, ts.cfg.GithubAppID, ts.cfg.GithubAppInstallationID, ts.cfg.GithubAppPrivateKeyPath, perms)
	if err != nil {
		return "", err
	}

	ts.repo = repo
	ts.token = tok.Token
	ts.expiresAt = tok.ExpiresAt
	return ts.token, nil
}

// Env builds the environment variables a gitdriver.Driver invocation needs
// to authenticate against remoteURL. dir is a per-project scratch
// directory used to persist the GIT_ASKPASS helper script. gitURL is
// remoteURL already parsed by the caller (avoids re-parsing).
func Env(ctx context.Context, cfg Config, ts *TokenSource, remoteURL string, gitURL *giturl.URL, dir string) ([]string, error) {
	if giturl.IsSCPURL(remoteURL) || giturl.IsSSHURL(remoteURL) {
		return []string{gitSSHCommand(cfg)}, nil
	}

	if !giturl.IsHTTPSURL(remoteURL) {
		return nil, nil
	}

	var username, password string
	switch {
	case cfg.Username != "" && cfg.Password != "":
		username, password = cfg.Username, cfg.Password
	case cfg.Password != "":
		username, password = "-", cfg.Password
	case cfg.GithubAppInstallationID != "" && gitURL.Host == "github.com":
		token, err := ts.Token(ctx, strings.TrimSuffix(gitURL.Repo, ".git"))
		if err != nil {
			return nil, fmt.Errorf("unable to get github app token: %w", err)
		}
		username, password = "-", token
	default:
		return nil, nil
	}

	credsLoader, err := ensureCredsLoader(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to write creds loader script: %w", err)
	}

	return []string{
		"GIT_ASKPASS=" + credsLoader,
		"REPO_USERNAME=" + username,
		"REPO_PASSWORD=" + password,
	}, nil
}

func ensureCredsLoader(dir string) (string, error) {
	credsLoader := filepath.Join(dir, "reposync-creds-loader.sh")
	if _, err := os.Stat(credsLoader); os.IsNotExist(err) {
		if err := os.WriteFile(credsLoader, []byte(loadCredsScript), 0o750); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", fmt.Errorf("unable to check if script file exists: %w", err)
	}
	return credsLoader, nil
}

// gitSSHCommand returns the GIT_SSH_COMMAND environment variable entry for
// configuring git over ssh with cfg's key/known-hosts.
func gitSSHCommand(cfg Config) string {
	sshKeyPath := cfg.SSHKeyPath
	if sshKeyPath == "" {
		sshKeyPath = "/dev/null"
	}
	knownHostsOptions := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if cfg.SSHKeyPath != "" && cfg.SSHKnownHostsPath != "" {
		knownHostsOptions = "-o UserKnownHostsFile=" + cfg.SSHKnownHostsPath
	}
	return fmt.Sprintf("GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s", sshKeyPath, knownHostsOptions)
}

// GithubAppTokenReqPermissions scopes the token requested from GitHub to a
// specific repository and permission set.
type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

// GithubAppToken is the response from GitHub's installation access token
// endpoint.
type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubAppInstallationToken signs a short-lived JWT as appID and exchanges
// it for an installation access token scoped to reqPerms.
func GithubAppInstallationToken(ctx context.Context,
	appID, installationID, privateKeyPath string, reqPerms GithubAppTokenReqPermissions,
) (*GithubAppToken, error) {
	privatePEMData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		Issuer:   appID,
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		Expiry:   jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%s/access_tokens", installationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("github app token response status %d, body:%q", resp.StatusCode, errMessage)
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}
