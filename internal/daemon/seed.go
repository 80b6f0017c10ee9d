package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harun/relay/pkg/channels"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of the connections seed:
//
//	connections:
//	  - id: support-telegram
//	    character_id: helper
//	    channel_type: telegram
//	    config:
//	      telegram:
//	        bot_token: ${TELEGRAM_TOKEN}
type seedFile struct {
	Connections []channels.ChannelConnection `yaml:"connections"`
}

// ConnectionUpserter persists seeded connections. *store.Store satisfies it.
type ConnectionUpserter interface {
	UpsertConnection(ctx context.Context, conn channels.ChannelConnection) (bool, error)
}

// LoadSeed parses the seed at path. ${VAR} references are expanded from
// the environment and connections without a user get defaultUser.
func LoadSeed(path, defaultUser string) ([]channels.ChannelConnection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}
	return parseSeed(data, defaultUser)
}

func parseSeed(data []byte, defaultUser string) ([]channels.ChannelConnection, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var file seedFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse connections file: %w", err)
	}

	seen := make(map[string]bool, len(file.Connections))
	out := make([]channels.ChannelConnection, 0, len(file.Connections))
	for i, conn := range file.Connections {
		conn.ID = strings.TrimSpace(conn.ID)
		if conn.ID == "" {
			return nil, fmt.Errorf("connection %d: id is required", i+1)
		}
		if seen[conn.ID] {
			return nil, fmt.Errorf("connection %s: duplicate id", conn.ID)
		}
		seen[conn.ID] = true
		if !conn.ChannelType.Valid() {
			return nil, fmt.Errorf("connection %s: unsupported channel type %q", conn.ID, conn.ChannelType)
		}
		if err := conn.Config.Validate(conn.ChannelType); err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
		}
		if conn.UserID == "" {
			conn.UserID = defaultUser
		}
		out = append(out, conn)
	}
	return out, nil
}

// SyncSeed upserts every seeded connection and returns the ids whose
// stored configuration changed. Connections missing from the file are
// left alone.
func SyncSeed(ctx context.Context, path, defaultUser string, store ConnectionUpserter) ([]string, error) {
	conns, err := LoadSeed(path, defaultUser)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, conn := range conns {
		updated, err := store.UpsertConnection(ctx, conn)
		if err != nil {
			return changed, fmt.Errorf("connection %s: %w", conn.ID, err)
		}
		if updated {
			changed = append(changed, conn.ID)
		}
	}
	return changed, nil
}
