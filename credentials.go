package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"perplexity-relay/internal/constants"

	"gopkg.in/yaml.v3"
)

// ErrCredentialNotFound is returned by every CredentialLoader when it has no
// API key to hand out.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialLoader yields the upstream API key. Implementations are safe for
// concurrent use.
type CredentialLoader interface {
	LoadCredential() (string, error)
}

// ConfigJSLoader extracts the API key from the browser config file, which
// contains a line such as `PERPLEXITY_API_KEY: 'pplx-...'`.
type ConfigJSLoader struct {
	Path string
}

func (l *ConfigJSLoader) LoadCredential() (string, error) {
	log.Debugf("Attempting to read config from: %s", l.Path)

	content, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("config file %s does not exist: %w", l.Path, ErrCredentialNotFound)
		}
		return "", fmt.Errorf("reading config file %s: %w", l.Path, err)
	}

	key, ok := extractMarkedValue(string(content), constants.CredentialMarker)
	if !ok {
		return "", fmt.Errorf("%s not found in %s: %w", constants.CredentialMarker, l.Path, ErrCredentialNotFound)
	}

	log.Debugf("Extracted API key from %s (first 10 chars): %s...", l.Path, credentialPreview(key))
	return key, nil
}

// extractMarkedValue returns the quoted value following marker. The first
// non-blank character after the marker must be a single or double quote and
// the value runs up to the next occurrence of that same quote. Occurrences
// without such a value, like a mention in a comment, are skipped.
func extractMarkedValue(content, marker string) (string, bool) {
	for {
		idx := strings.Index(content, marker)
		if idx < 0 {
			return "", false
		}
		content = content[idx+len(marker):]
		if value, ok := quotedValue(content); ok {
			return value, true
		}
	}
}

func quotedValue(s string) (string, bool) {
	rest := strings.TrimLeft(s, " \t")
	if rest == "" || (rest[0] != '\'' && rest[0] != '"') {
		return "", false
	}
	quote := rest[0]
	rest = rest[1:]
	end := strings.IndexByte(rest, quote)
	if end < 0 {
		return "", false
	}
	value := rest[:end]
	if strings.ContainsAny(value, "\r\n") || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// YAMLLoader reads the API key from a structured YAML document.
type YAMLLoader struct {
	Path string
}

func (l *YAMLLoader) LoadCredential() (string, error) {
	content, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("credentials file %s does not exist: %w", l.Path, ErrCredentialNotFound)
		}
		return "", fmt.Errorf("reading credentials file %s: %w", l.Path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return "", fmt.Errorf("parsing credentials file %s: %w", l.Path, err)
	}

	key, _ := doc[constants.CredentialYAMLKey].(string)
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%s not set in %s: %w", constants.CredentialYAMLKey, l.Path, ErrCredentialNotFound)
	}
	return key, nil
}

// EnvLoader reads the API key from an environment variable.
type EnvLoader struct {
	Name string
}

func (l *EnvLoader) LoadCredential() (string, error) {
	key := strings.TrimSpace(os.Getenv(l.Name))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty: %w", l.Name, ErrCredentialNotFound)
	}
	return key, nil
}

// ChainLoader tries each loader in turn and returns the first key found.
// Errors other than ErrCredentialNotFound are logged and skipped so that one
// broken source does not hide the others.
type ChainLoader []CredentialLoader

func (c ChainLoader) LoadCredential() (string, error) {
	var errs []error
	for _, loader := range c {
		key, err := loader.LoadCredential()
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			log.Warnf("Credential source failed: %v", err)
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrCredentialNotFound
	}
	return "", fmt.Errorf("%w: %w", ErrCredentialNotFound, errors.Join(errs...))
}

// credentialPreview returns the first 10 characters of key for diagnostic
// logging. Keys too short to leave anything hidden are masked entirely.
func credentialPreview(key string) string {
	if len(key) <= 20 {
		return strings.Repeat("*", len(key))
	}
	return key[:10]
}
