package auth

const (
	PermRolesRead         = "Roles.Read"
	PermRolesUpdate       = "Roles.Update"
	PermUsersAssignRoles  = "Users.AssignRoles"
	PermUsersUpdate       = "Users.Update"
	PermSessionsRevoke    = "Sessions.Revoke"
	PermRequestsCreate    = "Requests.Create"
	PermRequestsRead      = "Requests.Read"
	PermPatientsRead      = "Patients.Read"
	PermMaintenanceManage = "Maintenance.Manage"
)

var BuiltinPermissions = []Permission{
	{Name: PermRolesRead, Description: "List roles and their permissions"},
	{Name: PermRolesUpdate, Description: "Create roles and change their permissions"},
	{Name: PermUsersAssignRoles, Description: "Grant and revoke roles of admin users"},
	{Name: PermUsersUpdate, Description: "Manage admin accounts and their reset tokens"},
	{Name: PermSessionsRevoke, Description: "Revoke any session"},
	{Name: PermRequestsCreate, Description: "Create service requests"},
	{Name: PermRequestsRead, Description: "Read service requests"},
	{Name: PermPatientsRead, Description: "Read patient records"},
	{Name: PermMaintenanceManage, Description: "Trigger retention sweeps"},
}
