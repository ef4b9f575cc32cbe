package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxFileSize  = 1 << 20
	maxNesting   = 32
	maxEnvValue  = 8 << 10
	maxPathBytes = 4096
)

// checkConfigPath accepts absolute paths and relative paths that stay below
// the working directory. Only .json, .yaml and .yml files are accepted.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("config path is empty")
	case len(path) > maxPathBytes:
		return fmt.Errorf("config path exceeds %d bytes", maxPathBytes)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("config file %s: extension must be .json, .yaml or .yml", path)
	}

	if filepath.IsAbs(path) {
		return nil
	}
	if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config file %s is outside the working directory", path)
	}
	return nil
}

// readConfigFile reads a regular file of at most maxFileSize bytes.
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxFileSize)
	}
	return data, nil
}

// writeConfigFile writes data readable by the owner only, since it may hold
// tokens and passwords.
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("config exceeds %d bytes", maxFileSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s exceeds %d bytes", key, maxEnvValue)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkJSONNesting rejects documents nested deeper than maxNesting.
func checkJSONNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			if depth++; depth > maxNesting {
				return fmt.Errorf("nesting deeper than %d levels", maxNesting)
			}
		default:
			depth--
		}
	}
}
