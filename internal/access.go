package internal

import (
	"os/user"
	"strconv"
)

// HasAccess is the POSIX permission check behind the access handler:
// given the calling uid/gid and a file's owning uid/gid and permission
// bits, it reports whether mask (the R_OK/W_OK/X_OK bits requested,
// 4/2/1) is satisfied. The superuser always passes; otherwise the owner, group, or
// other permission triad is selected depending on whether the caller is
// the owner, shares the file's group (primary or supplementary), or
// neither.
func HasAccess(uid, gid, fuid, fgid, perm, mask uint32) bool {
	if uid == 0 {
		return true
	}

	var bits uint32
	switch {
	case uid == fuid:
		bits = (perm >> 6) & 7
	case gid == fgid || inSupplementaryGroups(uid, fgid):
		bits = (perm >> 3) & 7
	default:
		bits = perm & 7
	}
	return bits&mask == mask
}

// inSupplementaryGroups reports whether gid is among the groups uid
// belongs to, beyond its primary group.
func inSupplementaryGroups(uid, gid uint32) bool {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return false
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return false
	}
	want := strconv.FormatUint(uint64(gid), 10)
	for _, g := range groupIDs {
		if g == want {
			return true
		}
	}
	return false
}
