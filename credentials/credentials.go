// Package credentials loads taskhook's secrets from a credentials file.
//
// Secrets live apart from the main configuration so that the config file
// can be shared freely while the credentials file stays owner-readable:
//
//	[callback]
//	secret = "shared-hmac-secret"
//
//	[workflow]
//	auth_header_value = "engine-api-key"
//
//	[nats]
//	token = "nats-token"
//
// Each secret falls back to an environment variable when the file does not
// set it.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the credentials file is readable
// or writable by anyone but its owner, or writable by the owner.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Environment fallbacks.
const (
	EnvCallbackSecret  = "TASKHOOK_CALLBACK_SECRET"
	EnvWorkflowAuth    = "TASKHOOK_WORKFLOW_AUTH_HEADER_VALUE"
	EnvNATSToken       = "TASKHOOK_NATS_TOKEN"
	EnvNATSPassword    = "TASKHOOK_NATS_PASSWORD"
	DefaultFileName    = "credentials.toml"
	requiredPermission = 0400
)

// Credentials holds the secrets loaded from credentials.toml.
type Credentials struct {
	Callback CallbackCreds `toml:"callback"`
	Workflow WorkflowCreds `toml:"workflow"`
	NATS     NATSCreds     `toml:"nats"`
}

// CallbackCreds authenticates inbound callbacks.
type CallbackCreds struct {
	Secret string `toml:"secret"`
}

// WorkflowCreds authenticates calls to the workflow engine.
type WorkflowCreds struct {
	AuthHeaderValue string `toml:"auth_header_value"`
}

// NATSCreds authenticates the NATS connection.
type NATSCreds struct {
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// StandardPaths returns the credential file locations in order of priority.
func StandardPaths() []string {
	paths := []string{DefaultFileName}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskhook", DefaultFileName))
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, filepath.Join("/etc", "taskhook", DefaultFileName))
	}

	return paths
}

// Load loads credentials from the first standard location that exists.
// No file at all is not an error; the returned credentials are then nil.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from path. The file must have mode 0400.
// Unknown keys are rejected so that a misspelt secret does not go unnoticed.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != requiredPermission {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	md, err := toml.DecodeFile(path, &creds)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("decode %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	return &creds, nil
}

// CallbackSecret returns the HMAC secret for callbacks.
func (c *Credentials) CallbackSecret() string {
	if c != nil && c.Callback.Secret != "" {
		return c.Callback.Secret
	}
	return os.Getenv(EnvCallbackSecret)
}

// WorkflowAuthValue returns the value of the engine's auth header.
func (c *Credentials) WorkflowAuthValue() string {
	if c != nil && c.Workflow.AuthHeaderValue != "" {
		return c.Workflow.AuthHeaderValue
	}
	return os.Getenv(EnvWorkflowAuth)
}

// NATSToken returns the NATS token.
func (c *Credentials) NATSToken() string {
	if c != nil && c.NATS.Token != "" {
		return c.NATS.Token
	}
	return os.Getenv(EnvNATSToken)
}

// NATSUserInfo returns the NATS user and password.
func (c *Credentials) NATSUserInfo() (string, string) {
	if c == nil || c.NATS.User == "" {
		return "", ""
	}
	password := c.NATS.Password
	if password == "" {
		password = os.Getenv(EnvNATSPassword)
	}
	return c.NATS.User, password
}
