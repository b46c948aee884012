package access

import (
	"fmt"
	"sort"
	"strings"
)

// Level is the access a role has on a route.
type Level int

const (
	None Level = iota
	Read
	Write
)

func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "none"
	}
}

// ParseLevel maps "none", "read" or "write" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	default:
		return None, fmt.Errorf("unknown access level %q", s)
	}
}

// Allows reports whether l satisfies the required level.
func (l Level) Allows(required Level) bool {
	return l >= required
}

const (
	RouteTasks       = "tasks"
	RouteAssignments = "assignments"
	RouteProvisional = "provisional"
	RouteRules       = "rules"
	RouteConflicts   = "conflicts"
	RouteContracts   = "contracts"
	RouteDirectory   = "directory"
	RouteEvents      = "events"
)

// Routes lists every guarded route.
var Routes = []string{
	RouteTasks, RouteAssignments, RouteProvisional, RouteRules,
	RouteConflicts, RouteContracts, RouteDirectory, RouteEvents,
}

// Table maps role -> route -> level.
type Table map[string]map[string]Level

// DefaultTable is the built-in role matrix.
func DefaultTable() Table {
	all := func(l Level) map[string]Level {
		m := make(map[string]Level, len(Routes))
		for _, r := range Routes {
			m[r] = l
		}
		return m
	}
	planner := all(Write)
	planner[RouteRules] = Read
	planner[RouteDirectory] = Read

	siteManager := all(Read)
	siteManager[RouteTasks] = Write
	siteManager[RouteAssignments] = Write
	siteManager[RouteProvisional] = Write
	siteManager[RouteConflicts] = Write

	approver := all(Read)
	approver[RouteProvisional] = Write
	approver[RouteRules] = Write

	technician := map[string]Level{
		RouteTasks:       Read,
		RouteAssignments: Read,
		RouteProvisional: Read,
		RouteConflicts:   Read,
	}

	return Table{
		"admin":        all(Write),
		"planner":      planner,
		"site_manager": siteManager,
		"approver":     approver,
		"technician":   technician,
		"viewer":       all(Read),
	}
}

// Resolve returns the access of role on route; unknown roles and routes get None.
func (t Table) Resolve(role, route string) Level {
	routes, ok := t[role]
	if !ok {
		return None
	}
	return routes[route]
}

// Best returns the highest level any of roles has on route.
func (t Table) Best(roles []string, route string) Level {
	best := None
	for _, role := range roles {
		if l := t.Resolve(role, route); l > best {
			best = l
		}
	}
	return best
}

// WithOverrides returns a copy of t with entries replaced from overrides
// (role -> route -> level name).
func (t Table) WithOverrides(overrides map[string]map[string]string) (Table, error) {
	out := make(Table, len(t))
	for role, routes := range t {
		cp := make(map[string]Level, len(routes))
		for r, l := range routes {
			cp[r] = l
		}
		out[role] = cp
	}
	roles := make([]string, 0, len(overrides))
	for role := range overrides {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if out[role] == nil {
			out[role] = map[string]Level{}
		}
		for route, name := range overrides[role] {
			l, err := ParseLevel(name)
			if err != nil {
				return nil, fmt.Errorf("access %s.%s: %w", role, route, err)
			}
			out[role][route] = l
		}
	}
	return out, nil
}

var defaultTable = DefaultTable()

// Resolve looks a role up in the built-in table.
func Resolve(role, route string) Level {
	return defaultTable.Resolve(role, route)
}

// ForbiddenError reports a missing access level.
type ForbiddenError struct {
	Route    string
	Required Level
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s access to %s required", e.Required, e.Route)
}
