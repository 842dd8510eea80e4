package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv applies KEY=VALUE files in order and returns the ones found.
// Variables already set in the process win, and earlier files win over later
// ones. Values may reference other variables as ${NAME}.
func LoadDotEnv(paths ...string) ([]string, error) {
	loaded := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entries, err := readEnvFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("load %s: %w", path, err)
		}
		for _, entry := range entries {
			if _, exists := os.LookupEnv(entry.key); exists {
				continue
			}
			_ = os.Setenv(entry.key, os.ExpandEnv(entry.value))
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

type envEntry struct {
	key   string
	value string
}

func readEnvFile(path string) ([]envEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []envEntry
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNumber)
		}
		entries = append(entries, envEntry{key: key, value: unquoteEnvValue(value)})
	}
	return entries, scanner.Err()
}

func unquoteEnvValue(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) >= 2 {
		switch first, last := value[0], value[len(value)-1]; {
		case first == '\'' && last == '\'':
			return value[1 : len(value)-1]
		case first == '"' && last == '"':
			return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(value[1 : len(value)-1])
		}
	}
	if index := strings.Index(value, " #"); index >= 0 {
		value = strings.TrimSpace(value[:index])
	}
	return value
}
