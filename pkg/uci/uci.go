// Package uci loads fixgate settings from UCI, either through the uci
// command line tool or by parsing the config file directly.
package uci

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/starfail/fixgate/pkg/retry"
)

// Loader resolves the configuration from the best available source
type Loader struct {
	path   string
	name   string
	runner *retry.Runner
}

// NewLoader creates a loader for the given config file path
func NewLoader(path string) *Loader {
	return &Loader{
		path:   path,
		name:   ConfigName,
		runner: retry.NewRunner(retry.DefaultConfig()),
	}
}

// Load returns the configuration. The file is preferred when it exists;
// otherwise `uci show` is queried, and when neither is available the
// defaults are returned.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	if _, err := os.Stat(l.path); err == nil {
		return LoadConfig(l.path)
	}

	if _, err := exec.LookPath("uci"); err != nil {
		return Default(), nil
	}

	out, err := l.runner.Output(ctx, "uci", "show", l.name)
	if err != nil {
		// uci exits non-zero when the package has no config yet
		return Default(), nil
	}
	return l.parseShow(out)
}

// parseShow parses `uci show` output lines of the form
// fixgate.main.interval='600'
func (l *Loader) parseShow(out []byte) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parts := strings.SplitN(key, ".", 3)
		if len(parts) != 3 || parts[0] != l.name {
			// section declarations like fixgate.main=fixgate
			continue
		}
		if err := cfg.set(parts[1], parts[2], unquote(value)); err != nil {
			return nil, fmt.Errorf("uci show %s: %w", l.name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
