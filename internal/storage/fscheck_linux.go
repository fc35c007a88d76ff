//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var linuxNetworkMagics = map[int64]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.SMB2_SUPER_MAGIC: "smb2",
	unix.AFS_SUPER_MAGIC:  "afs",
}

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := int64(stat.Type)
	if name, ok := linuxNetworkMagics[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint64(magic)), nil
}
