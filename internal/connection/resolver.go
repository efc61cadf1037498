// Package connection resolves host/port/credential information from a
// started infrastructure service onto semantic keys, and renders those keys
// into the environment variables injected into dependent services.
package connection

import (
	"fmt"
	"sort"
	"strings"

	"testenvctl/internal/config"
)

// Semantic keys produced for every infrastructure service.
const (
	KeyHost     = "host"
	KeyPort     = "port"
	KeyUsername = "username"
	KeyPassword = "password"
	KeyDatabase = "database"
	KeyURL      = "url"
)

// Info is the resolved key→value map for one running infrastructure
// service. Derived, recomputed whenever needed, never persisted.
type Info map[string]string

// Resolve computes the connection info for a started infrastructure
// service. host and port are the actual (mapped) access coordinates of the
// first declared port.
func Resolve(spec config.ServiceSpec, host string, port int) Info {
	info := Info{
		KeyHost: host,
		KeyPort: fmt.Sprintf("%d", port),
	}
	if spec.Credentials.Username != "" {
		info[KeyUsername] = spec.Credentials.Username
	}
	if spec.Credentials.Password != "" {
		info[KeyPassword] = spec.Credentials.Password
	}
	if spec.Credentials.Database != "" {
		info[KeyDatabase] = spec.Credentials.Database
	}
	info[KeyURL] = buildURL(spec, host, port)
	return info
}

// buildURL renders a category-appropriate connection URL.
func buildURL(spec config.ServiceSpec, host string, port int) string {
	creds := spec.Credentials
	userinfo := ""
	if creds.Username != "" {
		userinfo = creds.Username
		if creds.Password != "" {
			userinfo += ":" + creds.Password
		}
		userinfo += "@"
	}

	switch spec.Category {
	case config.CategoryDatabase:
		db := creds.Database
		if db == "" {
			db = "postgres"
		}
		return fmt.Sprintf("postgres://%s%s:%d/%s", userinfo, host, port, db)
	case config.CategoryCache:
		return fmt.Sprintf("redis://%s%s:%d", userinfo, host, port)
	case config.CategoryBroker:
		return fmt.Sprintf("amqp://%s%s:%d", userinfo, host, port)
	default:
		return fmt.Sprintf("http://%s:%d", host, port)
	}
}

// EnvVars renders the info as KEY=VALUE pairs for injection into a
// dependent service's environment. The spec's EnvMapping renames individual
// semantic keys; unmapped keys default to <NAME>_<KEY> with the service
// name upper-cased and dashes turned into underscores. Output is sorted for
// deterministic injection.
func (i Info) EnvVars(spec config.ServiceSpec) []string {
	prefix := strings.ToUpper(strings.ReplaceAll(spec.Name, "-", "_"))

	vars := make([]string, 0, len(i))
	for key, value := range i {
		name, mapped := spec.EnvMapping[key]
		if !mapped {
			name = fmt.Sprintf("%s_%s", prefix, strings.ToUpper(key))
		}
		vars = append(vars, fmt.Sprintf("%s=%s", name, value))
	}
	sort.Strings(vars)
	return vars
}

// Address returns the host:port access point.
func (i Info) Address() string {
	return fmt.Sprintf("%s:%s", i[KeyHost], i[KeyPort])
}
