package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Role is a totally ordered privilege level.
type Role int

const (
	RoleRegular Role = iota + 1
	RoleCashier
	RoleManager
	RoleSuperuser
)

var roleNames = map[Role]string{
	RoleRegular:   "regular",
	RoleCashier:   "cashier",
	RoleManager:   "manager",
	RoleSuperuser: "superuser",
}

// RoleAtLeast is the single role comparison primitive.
func RoleAtLeast(have, need Role) bool {
	return have >= need
}

// ParseRole converts the stored role name into a Role.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Value stores the role by name.
func (r Role) Value() (driver.Value, error) {
	if _, ok := roleNames[r]; !ok {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return r.String(), nil
}

// Scan reads a role name from the database.
func (r *Role) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Role", src)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
