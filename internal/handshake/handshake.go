// Package handshake validates a freshly received engine CTRL_ACTIVE
// node-info block against every currently connected peer (spec §4.5 rule
// 2), grounded on original_source/daemon/daemon.c's config_hash memcmp in
// csync_config_cmp: the same 20-byte hash comparison that drives C7's
// push/fetch decision also gates whether the engine's handshake is even
// acceptable to the mesh as a whole.
package handshake

import (
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

// Validator implements router.HandshakeValidator: the engine's own info is
// compared against every connected peer's last-advertised info.
type Validator struct {
	localInfo func() node.Info
	log       merlinlog.Logger
}

// New builds a Validator. localInfo returns the engine's own just-arrived
// CTRL_ACTIVE info block.
func New(localInfo func() node.Info, log merlinlog.Logger) *Validator {
	return &Validator{localInfo: localInfo, log: log.WithField("component", "handshake")}
}

// Validate reports whether the engine's node-set and configuration-time
// agree with every connected peer. A node-set mismatch is a differing
// active-peer bitmap; a configuration-time mismatch is any difference in
// the 20-byte config hash, whatever the two last-config-change times are.
func (v *Validator) Validate(peers []*node.Node) (ok bool, reason string) {
	local := v.localInfo()

	for _, p := range peers {
		if !p.Connected() {
			continue
		}
		if p.Info.ActivePeers != local.ActivePeers {
			return false, fmt.Sprintf("node-set mismatch with %s: local active-peer bitmap %#x, remote %#x",
				p.Spec.Name, local.ActivePeers, p.Info.ActivePeers)
		}
		if p.Info.ConfigHash != local.ConfigHash {
			return false, fmt.Sprintf("configuration-time mismatch with %s: config hashes differ", p.Spec.Name)
		}
		v.warnOnVersionSkew(p, local)
	}
	return true, ""
}

// warnOnVersionSkew logs, but does not gate on, a software-version
// mismatch between the engine and a peer. Merlin nodes of differing
// minor versions can still speak the same wire protocol; this is
// diagnostic only (spec §3's node-info block carries the version for
// exactly this kind of observability, not for connection gating).
func (v *Validator) warnOnVersionSkew(p *node.Node, local node.Info) {
	remoteVer, err := version.NewVersion(p.Info.SoftwareVersion)
	if err != nil {
		return
	}
	localVer, err := version.NewVersion(local.SoftwareVersion)
	if err != nil {
		return
	}
	if !remoteVer.Equal(localVer) {
		v.log.Warnf("%s is running merlin %s, local engine is %s", p.Spec.Name, remoteVer, localVer)
	}
}
