/*
 * Package config provides configuration and URL handling for the Orban agent.
 */
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// WebSocketURL maps the platform URL to the agent socket endpoint:
// https becomes wss, http becomes ws, and the connect path is appended.
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.PlatformURL)
	if err != nil {
		return "", fmt.Errorf("invalid platform_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid platform_url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid platform_url: missing host")
	}

	path := c.Network.ConnectPath
	if path == "" {
		path = DefaultConnectPath
	}
	if !strings.HasSuffix(u.Path, path) {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), nil
}

// Secure reports whether the platform connection uses TLS.
func (c *Config) Secure() bool {
	u, err := url.Parse(c.PlatformURL)
	return err == nil && (u.Scheme == "https" || u.Scheme == "wss")
}
