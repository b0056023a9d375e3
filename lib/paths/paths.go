// Package paths provides centralized path construction for the VM
// lifecycle engine's per-VM state directory.
//
// Directory Structure:
//
//	{dataDir}/
//	  {backendDir}/
//	    {vm_name}/
//	      qmp.sock
//	      console.log
//	      pid
//	      snapshots/
//	        snapshot-latest
//	      logs/
//	        vm.log
//	  leases
package paths

import (
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Paths provides typed path construction for the daemon's data directory.
// vm_name comes from client requests and must never be trusted to build a
// path directly; every per-VM accessor routes it through securejoin so a
// name like "../../etc" cannot escape the backend directory.
type Paths struct {
	dataDir    string
	backendDir string
}

// New creates a new Paths instance for the given data directory and
// hypervisor backend directory name (e.g. "qemu").
func New(dataDir, backendDir string) *Paths {
	return &Paths{dataDir: dataDir, backendDir: backendDir}
}

// BackendDir returns the root directory for this backend's VMs.
func (p *Paths) BackendDir() string {
	return filepath.Join(p.dataDir, p.backendDir)
}

// VMDir returns the per-VM state directory, safely joined against an
// untrusted vm_name.
func (p *Paths) VMDir(vmName string) (string, error) {
	return securejoin.SecureJoin(p.BackendDir(), vmName)
}

// VMQMPSocket returns the path to the VM's QMP control socket.
func (p *Paths) VMQMPSocket(vmName string) (string, error) {
	dir, err := p.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "qmp.sock"), nil
}

// VMConsoleLog returns the path to the VM's console log file.
func (p *Paths) VMConsoleLog(vmName string) (string, error) {
	dir, err := p.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "console.log"), nil
}

// VMPidFile returns the path to the file recording the QEMU process pid.
func (p *Paths) VMPidFile(vmName string) (string, error) {
	dir, err := p.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pid"), nil
}

// VMSnapshotsDir returns the VM's snapshot metadata directory.
func (p *Paths) VMSnapshotsDir(vmName string) (string, error) {
	dir, err := p.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapshots"), nil
}

// VMSnapshotLatest returns the path to the marker file for the most recent
// savevm tag taken for this VM.
func (p *Paths) VMSnapshotLatest(vmName string) (string, error) {
	dir, err := p.VMSnapshotsDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapshot-latest"), nil
}

// VMLogsDir returns the VM's structured-log output directory.
func (p *Paths) VMLogsDir(vmName string) (string, error) {
	dir, err := p.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// VMLogFile returns the path to the VM's per-instance log file, for wiring
// into logger.NewVMLogHandler's logPathFunc.
func (p *Paths) VMLogFile(vmName string) (string, error) {
	dir, err := p.VMLogsDir(vmName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vm.log"), nil
}

// LeasesFile returns the path to the host's DHCP leases file, read (never
// written) by the platform adapter to resolve a VM's IP address.
func (p *Paths) LeasesFile() string {
	return filepath.Join(p.dataDir, "leases")
}
