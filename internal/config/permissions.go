package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckConfigPermissions validates the config file permissions. The config
// may embed auth_token and terraform_env credentials.
func CheckConfigPermissions(path string) (string, error) {
	return CheckSecretFilePermissions("config", path)
}

// CheckSecretFilePermissions validates a file holding secret material.
//
// It returns a warning when the file is group-readable and an error when the
// file is accessible by others or group-writable/executable.
func CheckSecretFilePermissions(kind, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", kind, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", kind, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", kind, path, perms)
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", kind, path, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", kind, path, perms)
	}
	if perms&permGroupRead != 0 {
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", kind, path, perms), nil
	}
	return "", nil
}

// SecretFiles lists the configured files that hold secret material.
func (c Config) SecretFiles() map[string]string {
	files := map[string]string{}
	if c.ConfigPath != "" {
		files["config"] = c.ConfigPath
	}
	if c.AuthTokenPath != "" {
		files["auth token"] = c.AuthTokenPath
	}
	if c.StateAgeIdentityPath != "" {
		files["age identity"] = c.StateAgeIdentityPath
	}
	return files
}
