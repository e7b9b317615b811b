package confine

import (
	"fmt"
	"path"
	"regexp"
	"strconv"

	"github.com/moby/sys/user"

	"judgeguard/internal/fault"
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)

// Identity is the uid/gid the command runs as. -1 means "not requested".
type Identity struct {
	UID   int
	GID   int
	User  string
	Group string
}

// NoIdentity keeps the supervisor's real ids.
var NoIdentity = Identity{UID: -1, GID: -1}

// AllowList holds the users a command may run as. Entries are user
// names, glob patterns on user names, or numeric uids.
type AllowList []string

// Permits reports whether uid, whose passwd name is name (possibly
// empty), matches an entry. Root is never permitted.
func (a AllowList) Permits(uid int, name string) bool {
	if uid <= 0 {
		return false
	}
	for _, entry := range a {
		if id, err := strconv.Atoi(entry); err == nil {
			if id == uid {
				return true
			}
			continue
		}
		if name != "" {
			if ok, _ := path.Match(entry, name); ok {
				return true
			}
		}
		if u, err := user.LookupUser(entry); err == nil && u.Uid == uid {
			return true
		}
	}
	return false
}

// LookupUser resolves a user name or a numeric uid. A numeric uid that
// has no passwd entry is returned without a name.
func LookupUser(spec string) (user.User, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return user.User{}, fault.Configf("invalid uid %d", id)
		}
		if u, err := user.LookupUid(id); err == nil {
			return u, nil
		}
		return user.User{Uid: id, Gid: -1}, nil
	}
	if !namePattern.MatchString(spec) {
		return user.User{}, fault.Configf("invalid username %q", spec)
	}
	u, err := user.LookupUser(spec)
	if err != nil {
		return user.User{}, fault.Config("looking up user "+spec, err)
	}
	return u, nil
}

// LookupGroup resolves a group name or a numeric gid.
func LookupGroup(spec string) (user.Group, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return user.Group{}, fault.Configf("invalid gid %d", id)
		}
		if g, err := user.LookupGid(id); err == nil {
			return g, nil
		}
		return user.Group{Gid: id}, nil
	}
	if !namePattern.MatchString(spec) {
		return user.Group{}, fault.Configf("invalid groupname %q", spec)
	}
	g, err := user.LookupGroup(spec)
	if err != nil {
		return user.Group{}, fault.Config("looking up group "+spec, err)
	}
	return g, nil
}

// ResolveIdentity turns the requested user and group into ids and
// checks the user against allow. Without an explicit group the group of
// the same name (or number) as the user is used, so the command never
// keeps the supervisor's group.
func ResolveIdentity(userSpec, groupSpec string, allow AllowList) (Identity, error) {
	id := NoIdentity
	if userSpec != "" {
		u, err := LookupUser(userSpec)
		if err != nil {
			return id, err
		}
		if !allow.Permits(u.Uid, u.Name) {
			return id, fault.Config("checking run user", fmt.Errorf("%w: %s", fault.ErrUserNotAllowed, userSpec))
		}
		id.UID, id.User = u.Uid, u.Name
		if groupSpec == "" {
			groupSpec = userSpec
		}
	}
	if groupSpec != "" {
		g, err := LookupGroup(groupSpec)
		if err != nil {
			return NoIdentity, err
		}
		if g.Gid == 0 {
			return NoIdentity, fault.Configf("running as group %q (gid 0) is not allowed", groupSpec)
		}
		id.GID, id.Group = g.Gid, g.Name
	}
	return id, nil
}
