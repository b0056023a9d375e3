package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/onkernel/qemud/lib/logger"
	"github.com/onkernel/qemud/lib/vmspec"
)

// Config configures the Linux platform adapter.
type Config struct {
	// BridgeName is the Linux bridge every VM's tap device is attached to.
	BridgeName string
	// LeasesFile is the dnsmasq-style DHCP leases file read (never
	// written) to resolve a VM's management IP, per spec.md §6: each line
	// is "<epoch> <mac> <ip> <hostname> <client-id>".
	LeasesFile string
	// DisableAppArmor mirrors the DISABLE_APPARMOR=1 environment variable.
	// It is recorded only: this adapter applies no AppArmor profile to
	// spawned QEMU processes whether it is set or not.
	DisableAppArmor bool
}

// linuxPlatform is the Linux Platform implementation.
type linuxPlatform struct {
	cfg Config
}

// New creates a Platform backed by Linux bridges/taps and a dnsmasq leases
// file. DISABLE_APPARMOR is read once here, matching spec.md §6's "observed
// by the platform adapter."
func New(cfg Config) Platform {
	if os.Getenv("DISABLE_APPARMOR") == "1" {
		cfg.DisableAppArmor = true
	}
	return &linuxPlatform{cfg: cfg}
}

var _ Platform = (*linuxPlatform)(nil)

func (p *linuxPlatform) GetDirectoryName() string { return "qemu" }

func (p *linuxPlatform) VMStatePlatformArgs(ctx context.Context) []string {
	return nil
}

// VMPlatformArgs creates (or recreates) the VM's tap device and returns the
// -netdev/-device fragments (one pair per interface), grounded on
// lib/network/bridge.go's createTAPDevice and lib/hypervisor/qemu/config.go's
// network argv assembly.
func (p *linuxPlatform) VMPlatformArgs(ctx context.Context, desc vmspec.Description) ([]string, error) {
	log := logger.FromContext(ctx)
	tapName := tapDeviceName(desc.VMName)

	if err := p.createTAPDevice(tapName); err != nil {
		return nil, fmt.Errorf("platform: create tap for %s: %w", desc.VMName, err)
	}
	log.Debug("tap device ready", "vm_name", desc.VMName, "tap", tapName)

	args := []string{
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", tapName),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", desc.DefaultMAC),
	}
	for i, iface := range desc.ExtraIfaces {
		extraTap := tapDeviceName(fmt.Sprintf("%s-%d", desc.VMName, i+1))
		if err := p.createTAPDevice(extraTap); err != nil {
			return nil, fmt.Errorf("platform: create tap for extra interface %s: %w", iface.ID, err)
		}
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net%d,ifname=%s,script=no,downscript=no", i+1, extraTap),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", i+1, iface.MACAddress),
		)
	}
	return args, nil
}

func tapDeviceName(seed string) string {
	// Linux interface names cap at 15 bytes; truncate anything longer.
	name := "tap-" + seed
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func (p *linuxPlatform) createTAPDevice(tapName string) error {
	if _, err := netlink.LinkByName(tapName); err == nil {
		if err := p.deleteTAPDevice(tapName); err != nil {
			return fmt.Errorf("delete existing tap: %w", err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Owner:     uint32(os.Getuid()),
		Group:     uint32(os.Getgid()),
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap device: %w", err)
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("get tap link: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set tap up: %w", err)
	}

	bridge, err := netlink.LinkByName(p.cfg.BridgeName)
	if err != nil {
		return fmt.Errorf("get bridge %s: %w", p.cfg.BridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("attach tap to bridge: %w", err)
	}

	// Isolate each VM's tap from its siblings on the bridge; the netlink
	// library has no typed accessor for this flag yet.
	cmd := exec.Command("ip", "link", "set", tapName, "type", "bridge_slave", "isolated", "on")
	cmd.SysProcAttr = &syscall.SysProcAttr{AmbientCaps: []uintptr{unix.CAP_NET_ADMIN}}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("set isolation mode: %w (output: %s)", err, string(out))
	}
	return nil
}

func (p *linuxPlatform) deleteTAPDevice(tapName string) error {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil // already gone
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap device: %w", err)
	}
	return nil
}

// RemoveResourcesFor tears down every tap device owned by vmName. Idempotent
// per spec.md §4.C.
func (p *linuxPlatform) RemoveResourcesFor(ctx context.Context, vmName string) error {
	var firstErr error
	for _, link := range []string{tapDeviceName(vmName)} {
		if err := p.deleteTAPDevice(link); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := 0; i < 8; i++ {
		extraTap := tapDeviceName(fmt.Sprintf("%s-%d", vmName, i+1))
		if _, err := netlink.LinkByName(extraTap); err != nil {
			break // no more extra taps to remove
		}
		if err := p.deleteTAPDevice(extraTap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PlatformHealthCheck verifies the host has what QEMU VMs need: the bridge
// exists and the iproute2 `ip` binary is on PATH. It does not check whether
// the current user may create tap devices.
func (p *linuxPlatform) PlatformHealthCheck(ctx context.Context) error {
	if _, err := netlink.LinkByName(p.cfg.BridgeName); err != nil {
		return fmt.Errorf("%w: bridge %s not found: %v", ErrHealthCheck, p.cfg.BridgeName, err)
	}
	if _, err := exec.LookPath("ip"); err != nil {
		return fmt.Errorf("%w: iproute2 'ip' binary not found: %v", ErrHealthCheck, err)
	}
	return nil
}

// GetIPFor scans the dnsmasq leases file for the most recent lease matching
// mac. Absence of a lease is not an error: it is reported as ok=false so
// VM.management_ipv4 can fall back to the vmspec.UnknownIP sentinel per
// spec.md §4.D, while VM.ssh_hostname treats it as still-not-ready.
func (p *linuxPlatform) GetIPFor(ctx context.Context, mac string) (vmspec.IPAddress, bool, error) {
	f, err := os.Open(p.cfg.LeasesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("platform: open leases file: %w", err)
	}
	defer f.Close()

	mac = strings.ToLower(mac)
	var ip string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// <epoch> <mac> <ip> <hostname> <client-id>
		if len(fields) < 3 {
			continue
		}
		if strings.ToLower(fields[1]) == mac {
			ip = fields[2] // leases file is append-only; last match wins
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("platform: read leases file: %w", err)
	}
	if ip == "" {
		return "", false, nil
	}
	return vmspec.IPAddress(ip), true, nil
}
