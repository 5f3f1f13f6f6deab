package auth

import (
	"fmt"
	"slices"
)

// Resource names a protected domain object.
type Resource string

// Resources known to the permission matrix.
const (
	ResourceUsers       Resource = "users"
	ResourceProfile     Resource = "profile"
	ResourceRestaurants Resource = "restaurants"
	ResourceOrders      Resource = "orders"
	ResourceMenuItems   Resource = "menu_items"
	ResourceAudit       Resource = "audit"
)

// ValidResources lists every resource the matrix must cover.
var ValidResources = []Resource{
	ResourceUsers,
	ResourceProfile,
	ResourceRestaurants,
	ResourceOrders,
	ResourceMenuItems,
	ResourceAudit,
}

// Action is a verb from the fixed vocabulary. ActionManage implies every other action.
type Action string

// Actions.
const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// ValidActions is the full action vocabulary.
var ValidActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage}

// Matrix maps (role, resource) to the ordered set of allowed actions.
// A well-formed matrix is total; see Validate.
type Matrix map[Role]map[Resource][]Action

// DefaultMatrix is the single source of truth for the authorisation model.
// Every role lists every resource explicitly, even when the set is empty.
var DefaultMatrix = Matrix{
	RoleAdmin: {
		ResourceUsers:       {ActionManage},
		ResourceProfile:     {ActionManage},
		ResourceRestaurants: {ActionManage},
		ResourceOrders:      {ActionManage},
		ResourceMenuItems:   {ActionManage},
		ResourceAudit:       {ActionRead},
	},
	RoleOperator: {
		ResourceUsers:       {ActionRead},
		ResourceProfile:     {ActionRead, ActionUpdate},
		ResourceRestaurants: {ActionRead, ActionUpdate},
		ResourceOrders:      {ActionRead, ActionUpdate},
		ResourceMenuItems:   {ActionManage},
		ResourceAudit:       {},
	},
	RoleBasic: {
		ResourceUsers:       {},
		ResourceProfile:     {ActionRead, ActionUpdate},
		ResourceRestaurants: {ActionRead},
		ResourceOrders:      {ActionCreate, ActionRead},
		ResourceMenuItems:   {ActionRead},
		ResourceAudit:       {},
	},
}

// Check reports whether role may perform action on resource.
// Absence of an entry is a deny, never an error. Unknown actions are
// denied even where manage is granted.
func (m Matrix) Check(role Role, resource Resource, action Action) bool {
	actions, ok := m[role][resource]
	if !ok || !slices.Contains(ValidActions, action) {
		return false
	}
	for _, a := range actions {
		if a == ActionManage || a == action {
			return true
		}
	}
	return false
}

// ActionsFor returns a copy of the actions granted to role on resource.
// Returns nil when there is no entry.
func (m Matrix) ActionsFor(role Role, resource Resource) []Action {
	actions, ok := m[role][resource]
	if !ok {
		return nil
	}
	return slices.Clone(actions)
}

// Grants expands the matrix row for role into "resource:action" strings,
// with manage expanded to every action. Used for the /me response.
func (m Matrix) Grants(role Role) []string {
	var out []string
	for _, res := range ValidResources {
		for _, act := range ValidActions {
			if m.Check(role, res, act) {
				out = append(out, string(res)+":"+string(act))
			}
		}
	}
	return out
}

// Validate proves the matrix is total over ValidRoles × ValidResources and
// only uses known roles, resources and actions.
func (m Matrix) Validate() error {
	for _, role := range ValidRoles {
		row, ok := m[role]
		if !ok {
			return fmt.Errorf("%w: no row for role %q", ErrInvalidMatrix, role)
		}
		for _, res := range ValidResources {
			actions, ok := row[res]
			if !ok {
				return fmt.Errorf("%w: role %q has no entry for resource %q", ErrInvalidMatrix, role, res)
			}
			for _, a := range actions {
				if !slices.Contains(ValidActions, a) {
					return fmt.Errorf("%w: role %q resource %q has unknown action %q", ErrInvalidMatrix, role, res, a)
				}
			}
		}
		for res := range row {
			if !slices.Contains(ValidResources, res) {
				return fmt.Errorf("%w: role %q has unknown resource %q", ErrInvalidMatrix, role, res)
			}
		}
	}
	for role := range m {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidMatrix, role)
		}
	}
	return nil
}

// Check evaluates DefaultMatrix.
func Check(role Role, resource Resource, action Action) bool {
	return DefaultMatrix.Check(role, resource, action)
}
