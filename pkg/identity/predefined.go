package identity

// Predefined role names, created on first boot and immutable.
const (
	RoleSystem          = "SYSTEM"
	RoleAdmin           = "ADMIN"
	RoleNetworkManager  = "NETWORK_MANAGER"
	RoleSecurityManager = "SECURITY_MANAGER"
	RoleDataManager     = "DATA_MANAGER"
	RoleAppManager      = "APP_MANAGER"
	RoleConfigManager   = "CONFIG_MANAGER"
	RoleUser            = "USER"
)

// Platform resources permissions refer to.
const (
	ResourceIdentity = "identity"
	ResourceNetwork  = "network"
	ResourceSecurity = "security"
	ResourceData     = "data"
	ResourceApps     = "apps"
	ResourceConfig   = "config"
)

// SystemUsername is the reserved account used for privileged platform
// initialization. It is minted once at boot and retrievable only with
// the kernel capability key.
const SystemUsername = "SYSTEM"

// predefinedRoles returns the role set seeded on first boot, without
// ids; the seeder assigns those.
func predefinedRoles() []Role {
	managed := func(name, description, resource string) Role {
		return Role{
			Name:        name,
			Description: description,
			Permissions: []Permission{{Resource: resource, Action: ActionCRUD, Scope: ScopeOrg}},
		}
	}
	return []Role{
		{
			Name:        RoleSystem,
			Description: "Full platform control, reserved for the system account",
			Permissions: []Permission{{Resource: ResourceAll, Action: ActionCRUD, Scope: ScopeAll}},
		},
		{
			Name:        RoleAdmin,
			Description: "Administrative access to every platform resource",
			Permissions: []Permission{
				{Resource: ResourceIdentity, Action: ActionCRUD, Scope: ScopeAll},
				{Resource: ResourceNetwork, Action: ActionCRUD, Scope: ScopeAll},
				{Resource: ResourceSecurity, Action: ActionCRUD, Scope: ScopeAll},
				{Resource: ResourceData, Action: ActionCRUD, Scope: ScopeAll},
				{Resource: ResourceApps, Action: ActionCRUD, Scope: ScopeAll},
				{Resource: ResourceConfig, Action: ActionCRUD, Scope: ScopeAll},
			},
		},
		managed(RoleNetworkManager, "Manages network modules within the organization", ResourceNetwork),
		managed(RoleSecurityManager, "Manages security settings within the organization", ResourceSecurity),
		managed(RoleDataManager, "Manages data providers within the organization", ResourceData),
		managed(RoleAppManager, "Manages applications within the organization", ResourceApps),
		managed(RoleConfigManager, "Manages configuration within the organization", ResourceConfig),
		{
			Name:        RoleUser,
			Description: "Default capabilities of every account",
			Permissions: []Permission{
				{Resource: ResourceIdentity, Action: ActionRead, Scope: ScopeSelf},
				{Resource: ResourceIdentity, Action: ActionUpdate, Scope: ScopeSelf},
			},
		},
	}
}

// systemPermissions is the all-resources grant sealed into tokens of
// the system account.
func systemPermissions() []string {
	return []string{Permission{Resource: ResourceAll, Action: ActionCRUD, Scope: ScopeAll}.String()}
}
