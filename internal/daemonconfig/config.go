// Package daemonconfig parses the daemon's block/key-value config file
// (spec §6): a `daemon { ... }` block (with nested `database` and
// `object_config` blocks) plus repeated `peer NAME`, `poller NAME`, and
// `noc NAME` node blocks, all siblings at the top level — grounded on
// original_source/daemon/daemon.c's grok_config/grok_daemon_compound/
// post_process_nodes.
package daemonconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"

	"github.com/rfelsburg/merlin/internal/node"
)

// DefaultPort matches original_source's default_port (htons(15551) etc).
const DefaultPort = 15551

// DaemonSettings is the top-level `daemon { ... }` block's scalar keys.
type DaemonSettings struct {
	Port          int
	Address       string
	Pidfile       string
	MerlinUser    string
	ImportProgram string
}

// Config is everything Load extracts from one config file.
type Config struct {
	Daemon   DaemonSettings
	Peers    []node.Spec
	Pollers  []node.Spec
	Masters  []node.Spec
	Database map[string]string // opaque passthrough to the DB collaborator (spec §1 Non-goals)

	SyncPushTemplate  string
	SyncFetchTemplate string
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	root, err := parseBlocks(string(data))
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}

	cfg := &Config{
		Daemon: DaemonSettings{Port: DefaultPort, Address: "0.0.0.0"},
	}

	for _, b := range root.nested {
		var err error
		switch b.name {
		case "daemon":
			err = cfg.grokDaemon(b)
		case "peer":
			err = cfg.grokNode(b, node.RolePeer)
		case "poller":
			err = cfg.grokNode(b, node.RolePoller)
		case "noc":
			err = cfg.grokNode(b, node.RoleMaster)
		default:
			err = fmt.Errorf("unknown top-level block %q", b.name)
		}
		if err != nil {
			return nil, &ConfigurationError{Path: path, Err: err}
		}
	}

	cfg.applySyncDefaults()
	return cfg, nil
}

func (cfg *Config) grokDaemon(b *block) error {
	for k, v := range b.vars {
		switch k {
		case "port":
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("daemon: illegal value for port: %s", v)
			}
			cfg.Daemon.Port = port
		case "address":
			cfg.Daemon.Address = v
		case "pidfile":
			cfg.Daemon.Pidfile = v
		case "merlin_user":
			cfg.Daemon.MerlinUser = v
		case "import_program":
			cfg.Daemon.ImportProgram = v
		default:
			return fmt.Errorf("daemon: unknown variable %q", k)
		}
	}

	for _, nb := range b.nested {
		switch nb.name {
		case "database":
			cfg.Database = make(map[string]string, len(nb.vars))
			for k, v := range nb.vars {
				cfg.Database[k] = v
			}
		case "object_config":
			cfg.SyncPushTemplate = nb.vars["push"]
			cfg.SyncFetchTemplate = nb.vars["fetch"]
		default:
			return fmt.Errorf("daemon: unknown nested block %q", nb.name)
		}
	}
	return nil
}

func (cfg *Config) grokNode(b *block, role node.Role) error {
	if b.label == "" {
		return fmt.Errorf("%s block missing a name", b.name)
	}
	spec := node.Spec{Name: b.label, Role: role, Connect: true}

	for k, v := range b.vars {
		switch k {
		case "address":
			spec.Address = v
		case "port":
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s %s: illegal port %q", b.name, b.label, v)
			}
			spec.Port = port
		case "hostgroup":
			if role != node.RolePoller {
				return fmt.Errorf("%s %s: hostgroup is only valid for poller nodes", b.name, b.label)
			}
			spec.HostGroupSelector = v
		case "connect":
			connect, err := parseBool(v)
			if err != nil {
				return fmt.Errorf("%s %s: illegal value for connect: %q", b.name, b.label, v)
			}
			spec.Connect = connect
		case "data_timeout":
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s %s: illegal value for data_timeout: %q", b.name, b.label, v)
			}
			spec.DataTimeout = time.Duration(seconds) * time.Second
		case "send_buffer":
			size, err := units.ParseBase2Bytes(v)
			if err != nil {
				return fmt.Errorf("%s %s: illegal value for send_buffer: %q: %w", b.name, b.label, v, err)
			}
			spec.SendBufferBytes = int(size)
		case "push":
			spec.SyncPushCmd = v
		case "fetch":
			spec.SyncFetchCmd = v
		default:
			return fmt.Errorf("%s %s: unknown variable %q", b.name, b.label, k)
		}
	}

	switch role {
	case node.RolePeer:
		cfg.Peers = append(cfg.Peers, spec)
	case node.RolePoller:
		cfg.Pollers = append(cfg.Pollers, spec)
	case node.RoleMaster:
		cfg.Masters = append(cfg.Masters, spec)
	}
	return nil
}

// applySyncDefaults implements post_process_nodes's per-node confsync
// command derivation: a node with no explicit push/fetch command
// inherits the global object_config template, with its own name appended
// as an argument.
func (cfg *Config) applySyncDefaults() {
	apply := func(specs []node.Spec) {
		for i := range specs {
			if specs[i].SyncPushCmd == "" && cfg.SyncPushTemplate != "" {
				specs[i].SyncPushCmd = cfg.SyncPushTemplate + " " + specs[i].Name
			}
			if specs[i].SyncFetchCmd == "" && cfg.SyncFetchTemplate != "" {
				specs[i].SyncFetchCmd = cfg.SyncFetchTemplate + " " + specs[i].Name
			}
		}
	}
	apply(cfg.Peers)
	apply(cfg.Pollers)
	apply(cfg.Masters)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", v)
	}
}
