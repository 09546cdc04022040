package config

import (
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/scene-rooms/internal/social"
	"github.com/npezzotti/scene-rooms/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	var (
		addr   = "localhost:8080"
		key    = "c29tZV9zZWNyZXQ="
		orig   = []string{"http://localhost:3000"}
		scenes = "https://example.com/a.png,https://example.com/b.png"
	)

	tcases := []struct {
		name     string
		addr     string
		key      string
		scenes   string
		users    string
		interval time.Duration
		err      string
	}{
		{
			name:     "valid config",
			addr:     addr,
			key:      key,
			scenes:   scenes,
			interval: time.Second,
		},
		{
			name:     "empty address",
			key:      key,
			scenes:   scenes,
			interval: time.Second,
			err:      "server address",
		},
		{
			name:     "empty signing key",
			addr:     addr,
			scenes:   scenes,
			interval: time.Second,
			err:      "signing secret",
		},
		{
			name:     "undecodable signing key",
			addr:     addr,
			key:      "not base64!",
			scenes:   scenes,
			interval: time.Second,
			err:      "decode signing secret",
		},
		{
			name:     "no scenes",
			addr:     addr,
			key:      key,
			scenes:   " , ",
			interval: time.Second,
			err:      "scene url",
		},
		{
			name:     "malformed user",
			addr:     addr,
			key:      key,
			scenes:   scenes,
			users:    "user-1",
			interval: time.Second,
			err:      "malformed user",
		},
		{
			name:     "duplicate user",
			addr:     addr,
			key:      key,
			scenes:   scenes,
			users:    "a:A,a:B",
			interval: time.Second,
			err:      "duplicate user",
		},
		{
			name:   "zero poll interval",
			addr:   addr,
			key:    key,
			scenes: scenes,
			err:    "poll interval",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.key, orig, tc.scenes, tc.users, tc.interval)
			if tc.err != "" {
				assert.ErrorContains(t, err, tc.err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, strings.Split(scenes, ","), config.SceneUrls, "expected scene urls to match")
			assert.Equal(t, social.DefaultUsers, config.Users, "expected default users")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
			assert.Equal(t, tc.interval, config.FalPollInterval)
		})
	}
}

func Test_parseUsers(t *testing.T) {
	users, err := parseUsers(" alice:Alice , bob : Bob ")
	assert.NoError(t, err)
	assert.Equal(t, []types.User{{Id: "alice", Name: "Alice"}, {Id: "bob", Name: "Bob"}}, users)
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
