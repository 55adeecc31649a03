package auth

// Role represents a caller role.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	// RoleDevice is held by gateways and simulators that push readings.
	RoleDevice Role = "device"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RolePatient, RoleDoctor, RoleAdmin, RoleDevice:
		return Role(value), true
	default:
		return "", false
	}
}

// Permits returns true when role satisfies required. Device access is
// granted to devices and admins only; clinical roles are ranked.
func Permits(role Role, required Role) bool {
	if required == RoleDevice {
		return role == RoleDevice || role == RoleAdmin
	}
	return roleRank(role) >= roleRank(required) && roleRank(role) > 0
}

func roleRank(role Role) int {
	switch role {
	case RolePatient:
		return 1
	case RoleDoctor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}
