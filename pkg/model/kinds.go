package model

import "fmt"

// VPN identifies a VPN implementation under test.
type VPN string

const (
	VPNBoringtun VPN = "boringtun"
	VPNEasytier  VPN = "easytier"
	VPNHyprspace VPN = "hyprspace"
	VPNInternal  VPN = "internal"
	VPNMycelium  VPN = "mycelium"
	VPNNebula    VPN = "nebula"
	VPNTinc      VPN = "tinc"
	VPNVpncloud  VPN = "vpncloud"
	VPNWireguard VPN = "wireguard"
	VPNYggdrasil VPN = "yggdrasil"
	VPNZerotier  VPN = "zerotier"
)

// VPNInfo describes how a VPN runs on a machine.
type VPNInfo struct {
	// Service is the systemd unit driving the VPN.
	Service string
	// Encrypted is false for the reference network without a VPN.
	Encrypted bool
}

// vpnTable must have an entry for every VPN constant.
var vpnTable = map[VPN]VPNInfo{
	VPNBoringtun: {Service: "boringtun-wg0", Encrypted: true},
	VPNEasytier:  {Service: "easytier", Encrypted: true},
	VPNHyprspace: {Service: "hyprspace", Encrypted: true},
	VPNInternal:  {Service: "", Encrypted: false},
	VPNMycelium:  {Service: "mycelium", Encrypted: true},
	VPNNebula:    {Service: "nebula@vpnbench", Encrypted: true},
	VPNTinc:      {Service: "tinc.vpnbench", Encrypted: true},
	VPNVpncloud:  {Service: "vpncloud@vpnbench", Encrypted: true},
	VPNWireguard: {Service: "wireguard-wg0", Encrypted: true},
	VPNYggdrasil: {Service: "yggdrasil", Encrypted: true},
	VPNZerotier:  {Service: "zerotierone", Encrypted: true},
}

// VPNs returns every known VPN.
func VPNs() []VPN {
	return []VPN{
		VPNBoringtun, VPNEasytier, VPNHyprspace, VPNInternal, VPNMycelium,
		VPNNebula, VPNTinc, VPNVpncloud, VPNWireguard, VPNYggdrasil, VPNZerotier,
	}
}

// Info returns the VPNInfo for v.
func (v VPN) Info() (VPNInfo, error) {
	info, ok := vpnTable[v]
	if !ok {
		return VPNInfo{}, fmt.Errorf("unknown vpn %q", string(v))
	}
	return info, nil
}

// ParseVPN validates s as a VPN name.
func ParseVPN(s string) (VPN, error) {
	v := VPN(s)
	if _, err := v.Info(); err != nil {
		return "", err
	}
	return v, nil
}

// TestKind identifies a benchmark test.
type TestKind string

const (
	TestPing     TestKind = "ping"
	TestQperf    TestKind = "qperf"
	TestTCPIperf TestKind = "tcp_iperf"
	TestUDPIperf TestKind = "udp_iperf"
	TestVideo    TestKind = "rist_stream"
	TestNixCache TestKind = "nix_cache"
)

// Family describes the metric family produced by a TestKind: the name of
// the result file and of the metrics expected inside its data object.
type Family struct {
	// Name is used as the file stem of both result and comparison files.
	Name string
	// Metrics are the keys of the data object holding a MetricStats each.
	Metrics []string
}

// familyTable must have an entry for every TestKind constant.
var familyTable = map[TestKind]Family{
	TestPing: {
		Name:    "ping",
		Metrics: []string{"rtt_ms", "packet_loss_percent"},
	},
	TestQperf: {
		Name:    "qperf",
		Metrics: []string{"total_bandwidth_mbps", "cpu_time_percent", "ttfb_ms", "conn_time_ms"},
	},
	TestTCPIperf: {
		Name:    "tcp_iperf",
		Metrics: []string{"sent_mbps", "received_mbps", "retransmits"},
	},
	TestUDPIperf: {
		Name:    "udp_iperf",
		Metrics: []string{"sent_mbps", "received_mbps", "jitter_ms", "lost_percent"},
	},
	TestVideo: {
		Name:    "rist_stream",
		Metrics: []string{"bitrate_kbps", "fps", "dropped_frames"},
	},
	TestNixCache: {
		Name:    "nix_cache",
		Metrics: []string{"fetch_time_seconds"},
	},
}

// TestKinds returns every known test kind in the default execution order.
func TestKinds() []TestKind {
	return []TestKind{TestPing, TestQperf, TestTCPIperf, TestUDPIperf, TestVideo, TestNixCache}
}

// Family returns the metric family of k.
func (k TestKind) Family() (Family, error) {
	f, ok := familyTable[k]
	if !ok {
		return Family{}, fmt.Errorf("unknown test kind %q", string(k))
	}
	return f, nil
}

// ParseTestKind validates s as a TestKind.
func ParseTestKind(s string) (TestKind, error) {
	k := TestKind(s)
	if _, err := k.Family(); err != nil {
		return "", err
	}
	return k, nil
}
