package gcp

import (
	"strings"

	"google.golang.org/api/option"
)

// ClientOptions turns a credentials setting into client options. raw may be
// inline service-account JSON or a path to a credentials file; empty means
// application default credentials.
func ClientOptions(raw string) []option.ClientOption {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	return []option.ClientOption{option.WithCredentialsFile(raw)}
}
