//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type values, from linux/magic.h.
var linuxFilesystems = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x00C36400: "ceph",
	0x5346414F: "afs",
	0xEF53:     "ext4",
	0x58465342: "xfs",
	0x9123683E: "btrfs",
	0x01021994: "tmpfs",
	0x794C7630: "overlay",
	0x2FC12FC1: "zfs",
}

// FilesystemType names the mount holding path. Unknown magics come back as
// hex so they are reported but never mistaken for a network mount.
func FilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint64(stat.Type) & 0xFFFFFFFF
	if name, ok := linuxFilesystems[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
