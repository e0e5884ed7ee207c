package observability

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DefaultDotEnvPath is read by the CLI before configuration is loaded.
const DefaultDotEnvPath = ".env"

// LoadDotEnv exports KEY=VALUE pairs from path. Variables already present in
// the environment win over the file. A missing file is not an error. It
// returns the number of variables set.
func LoadDotEnv(logger *slog.Logger, path string) int {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no .env file found, skipping", "path", path)
			return 0
		}
		logger.Warn("failed to open .env file", "path", path, "error", err)
		return 0
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Warn("failed to close .env file", "error", cerr)
		}
	}()

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	loaded := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			logger.Warn("skipping invalid .env entry", "line", lineNumber)
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		parsed, err := decodeEnvValue(strings.TrimSpace(trimInlineComment(value)))
		if err != nil {
			logger.Warn("skipping invalid .env entry", "line", lineNumber, "error", err)
			continue
		}
		if err := os.Setenv(key, parsed); err != nil {
			logger.Warn("failed to set env from .env line", "key", key, "line", lineNumber, "error", err)
			continue
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("failed to read .env file", "error", err)
	}
	if loaded > 0 {
		logger.Debug("loaded environment from .env", "path", path, "count", loaded)
	}
	return loaded
}

func trimInlineComment(value string) string {
	var inSingle, inDouble bool
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '#':
			if !inSingle && !inDouble {
				return value[:i]
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		}
	}
	return value
}

func decodeEnvValue(value string) (string, error) {
	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		return value[1 : len(value)-1], nil
	}
	if strings.HasPrefix(value, `"`) {
		return strconv.Unquote(value)
	}
	return value, nil
}
