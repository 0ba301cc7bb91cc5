package rights

// Rights bits a user may hold on a device group.
const (
	EditGroup       = 1
	ManageUsers     = 2
	ManageComputers = 4
	RemoteControl   = 8
	AgentConsole    = 16
	ServerFiles     = 32
	WakeDevice      = 64
	SetNotes        = 128
)

// SiteAdminFull marks a principal as full site administrator.
const SiteAdminFull = 0xFFFFFFFF

// Principal is the authenticated identity behind a relay request. It
// is produced by the external auth subsystem; the relay core only
// reads it.
type Principal struct {
	ID        string // "user/<domain>/<name>"
	Name      string
	DomainID  string
	SiteAdmin uint32
	Links     map[string]uint32 // device group id -> rights bits
	Groups    []string          // admin group memberships
}

// GroupRights returns the rights bitmask this principal holds on a
// device group. Full site admins hold everything.
func (p *Principal) GroupRights(groupID string) uint32 {
	if p == nil {
		return 0
	}
	if p.SiteAdmin == SiteAdminFull {
		return SiteAdminFull
	}
	return p.Links[groupID]
}

// CanRemoteControl reports whether the principal may open an
// interactive tunnel into a device of the given group.
func (p *Principal) CanRemoteControl(groupID string) bool {
	return p.GroupRights(groupID)&RemoteControl != 0
}

// HasAnyRight reports whether the principal holds any right at all on
// the group. Used for group-broadcast command delivery.
func (p *Principal) HasAnyRight(groupID string) bool {
	return p.GroupRights(groupID) != 0
}

// Subscriptions derives the full set of event channels this principal
// is entitled to. The caller must install the result as a complete
// replacement of any previous set, never merge it.
func (p *Principal) Subscriptions() []string {
	subs := []string{p.ID, "server-global"}
	if p.SiteAdmin == SiteAdminFull {
		subs = append(subs, "*")
	}
	if p.SiteAdmin&ManageUsers != 0 {
		if len(p.Groups) == 0 {
			subs = append(subs, "server-users")
		} else {
			for _, g := range p.Groups {
				subs = append(subs, "server-users:"+g)
			}
		}
	}
	for groupID := range p.Links {
		subs = append(subs, groupID)
	}
	return subs
}
