package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/scene-rooms/internal/social"
	"github.com/npezzotti/scene-rooms/internal/types"
)

var DefaultSceneUrls = []string{
	"https://pocge3esja6nk0zk.public.blob.vercel-storage.com/BF0LFr1_xVCIhqE2wiNQq_CweiVRCC-cRjLFz1yMmeqKO7HvhGw5Rs3aPsdjq.png",
	"https://v3b.fal.media/files/b/0a904ff6/zh54kzzHSHF5K9G1LlTVb_nY4Pvu3d.png",
}

type Config struct {
	ServerAddr      string
	SigningKey      []byte
	AllowedOrigins  []string
	SceneUrls       []string
	Users           []types.User
	FalPollInterval time.Duration

	// Secrets are read from the environment, not flags.
	FalKey       string
	GoogleApiKey string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}

// splitList splits a comma separated list, dropping blank entries.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseUsers parses a comma separated list of id:name pairs. An empty list
// yields the default directory.
func parseUsers(s string) ([]types.User, error) {
	entries := splitList(s)
	if len(entries) == 0 {
		return append([]types.User(nil), social.DefaultUsers...), nil
	}

	users := make([]types.User, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		id, name, ok := strings.Cut(e, ":")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			return nil, fmt.Errorf("malformed user %q: want id:name", e)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate user id %q", id)
		}
		seen[id] = true
		users = append(users, types.User{Id: id, Name: name})
	}

	return users, nil
}

func NewConfig(serverAddr, base64Secret string, allowedOrigins []string, sceneUrls, users string, pollInterval time.Duration) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	scenes := splitList(sceneUrls)
	if len(scenes) == 0 {
		return nil, fmt.Errorf("at least one scene url is required")
	}

	directory, err := parseUsers(users)
	if err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}

	if pollInterval <= 0 {
		return nil, fmt.Errorf("fal poll interval must be positive")
	}

	return &Config{
		ServerAddr:      serverAddr,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		SceneUrls:       scenes,
		Users:           directory,
		FalPollInterval: pollInterval,
	}, nil
}
