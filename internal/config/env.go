package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays environment variables starting with prefix.
//
// A variable maps to a setting path by dropping the prefix, taking the
// first underscore-separated word as the section and joining the rest in
// camelCase: NEXUS_WORKER_QUEUE_SIZE sets worker.queueSize. Variables that
// map to no setting are ignored; values that do not parse are errors.
func (c *Config) ApplyEnv(prefix string) error {
	var names []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path := envToPath(prefix, name)
		err := c.set(path, os.Getenv(name))
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownSetting):
			continue
		default:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// envToPath converts NEXUS_WORKER_QUEUE_SIZE to worker.queueSize.
func envToPath(prefix, env string) string {
	name := strings.TrimPrefix(env, prefix)
	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return strings.ToLower(name)
	}

	setting := strings.ToLower(parts[1])
	for _, part := range parts[2:] {
		if part != "" {
			setting += strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.ToLower(parts[0]) + "." + setting
}

// set assigns a string value to the setting at path.
func (c *Config) set(path, value string) error {
	var err error
	switch path {
	case "logging.level":
		c.Logging.Level = value
	case "logging.format":
		c.Logging.Format = value
	case "logging.addSource":
		c.Logging.AddSource, err = parseBool(value)
	case "worker.count":
		c.Worker.Count, err = strconv.Atoi(value)
	case "worker.queueSize":
		c.Worker.QueueSize, err = strconv.Atoi(value)
	case "worker.joinTimeout":
		var d time.Duration
		d, err = time.ParseDuration(value)
		c.Worker.JoinTimeout = Duration(d)
	case "event.weakDefault":
		c.Event.WeakDefault, err = parseBool(value)
	case "metrics.enabled":
		c.Metrics.Enabled, err = parseBool(value)
	case "metrics.addr":
		c.Metrics.Addr = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, path)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// parseBool accepts the spellings environment variables commonly use.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
