package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfelsburg/merlin/internal/node"
)

const sampleConfig = `
daemon {
	port = 15551
	address = 10.0.0.1
	pidfile = /var/run/merlind.pid
	import_program = /usr/bin/mon-import

	database {
		enabled = yes
		log_report_data = no
	}

	object_config {
		push = "mon oconf push"
		fetch = "mon oconf fetch"
	}
}

peer peer-a {
	address = 10.0.0.2
	port = 15551
	data_timeout = 30
	send_buffer = 512KiB
}

peer peer-b {
	address = 10.0.0.3
	connect = no
	push = "custom-push-for-b"
}

poller poller-1 {
	address = 10.0.1.1
	hostgroup = "dc1, dc2"
}

noc master-1 {
	address = 10.9.9.9
	port = 16001
}
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merlin.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DaemonBlock(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Port != 15551 || cfg.Daemon.Address != "10.0.0.1" || cfg.Daemon.Pidfile != "/var/run/merlind.pid" {
		t.Fatalf("unexpected daemon settings: %+v", cfg.Daemon)
	}
	if cfg.Database["enabled"] != "yes" || cfg.Database["log_report_data"] != "no" {
		t.Fatalf("unexpected database settings: %+v", cfg.Database)
	}
	if cfg.SyncPushTemplate != "mon oconf push" || cfg.SyncFetchTemplate != "mon oconf fetch" {
		t.Fatalf("unexpected sync templates: push=%q fetch=%q", cfg.SyncPushTemplate, cfg.SyncFetchTemplate)
	}
}

func TestLoad_PeerNodes(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}

	a := cfg.Peers[0]
	if a.Name != "peer-a" || a.Address != "10.0.0.2" || a.Port != 15551 {
		t.Fatalf("unexpected peer-a spec: %+v", a)
	}
	if a.DataTimeout != 30*time.Second {
		t.Fatalf("expected data_timeout=30s, got %s", a.DataTimeout)
	}
	if a.SendBufferBytes != 512*1024 {
		t.Fatalf("expected send_buffer=512KiB (%d bytes), got %d", 512*1024, a.SendBufferBytes)
	}
	if !a.Connect {
		t.Fatalf("expected peer-a to default connect=true")
	}
	if a.SyncPushCmd != "mon oconf push peer-a" {
		t.Fatalf("expected peer-a to inherit the global push template, got %q", a.SyncPushCmd)
	}

	b := cfg.Peers[1]
	if b.Connect {
		t.Fatalf("expected peer-b connect=no to be honoured")
	}
	if b.SyncPushCmd != "custom-push-for-b" {
		t.Fatalf("expected peer-b's explicit push command to win over the template, got %q", b.SyncPushCmd)
	}
	if b.SyncFetchCmd != "mon oconf fetch peer-b" {
		t.Fatalf("expected peer-b to still inherit the fetch template, got %q", b.SyncFetchCmd)
	}
}

func TestLoad_PollerHostgroupAndRole(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Pollers) != 1 {
		t.Fatalf("expected 1 poller, got %d", len(cfg.Pollers))
	}
	p := cfg.Pollers[0]
	if p.HostGroupSelector != "dc1, dc2" {
		t.Fatalf("unexpected hostgroup selector: %q", p.HostGroupSelector)
	}
	if p.Role != node.RolePoller {
		t.Fatalf("expected poller role")
	}
}

func TestLoad_NocBlockBecomesMaster(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Masters) != 1 {
		t.Fatalf("expected 1 master (noc), got %d", len(cfg.Masters))
	}
	if cfg.Masters[0].Port != 16001 {
		t.Fatalf("expected master port 16001, got %d", cfg.Masters[0].Port)
	}
}

func TestLoad_HostgroupOnNonPoller_Errors(t *testing.T) {
	bad := `
peer bad-peer {
	address = 10.0.0.5
	hostgroup = "dc1"
}
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatalf("expected an error for hostgroup on a non-poller node")
	}
}

func TestLoad_UnknownTopLevelBlock_Errors(t *testing.T) {
	bad := `
bogus {
	x = 1
}
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatalf("expected an error for an unrecognised top-level block")
	}
}

func TestLoad_MalformedLine_Errors(t *testing.T) {
	bad := `
daemon {
	thisisnotavalidline
}
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatalf("expected an error for a malformed line")
	}
}

func TestLoad_UnmatchedBrace_Errors(t *testing.T) {
	bad := `
daemon {
	port = 1
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatalf("expected an error for an unterminated block")
	}
}
