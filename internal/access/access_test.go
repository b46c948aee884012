package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	tbl := DefaultTable()
	require.Equal(t, Write, tbl.Resolve("admin", RouteRules))
	require.Equal(t, Read, tbl.Resolve("planner", RouteRules))
	require.Equal(t, Write, tbl.Resolve("planner", RouteContracts))
	require.Equal(t, Write, tbl.Resolve("approver", RouteProvisional))
	require.Equal(t, Read, tbl.Resolve("approver", RouteTasks))
	require.Equal(t, Read, tbl.Resolve("technician", RouteTasks))
	require.Equal(t, None, tbl.Resolve("technician", RouteContracts))
	require.Equal(t, None, tbl.Resolve("intruder", RouteTasks))
	require.Equal(t, None, tbl.Resolve("admin", "billing"))
	require.Equal(t, Read, Resolve("viewer", RouteEvents))
}

func TestBestTakesHighestLevel(t *testing.T) {
	tbl := DefaultTable()
	require.Equal(t, Write, tbl.Best([]string{"technician", "approver"}, RouteProvisional))
	require.Equal(t, Read, tbl.Best([]string{"technician", "viewer"}, RouteContracts))
	require.Equal(t, None, tbl.Best(nil, RouteTasks))
	require.True(t, Write.Allows(Read))
	require.False(t, Read.Allows(Write))
}

func TestWithOverrides(t *testing.T) {
	base := DefaultTable()
	tbl, err := base.WithOverrides(map[string]map[string]string{
		"technician": {RouteConflicts: "write"},
		"auditor":    {RouteEvents: "read"},
	})
	require.NoError(t, err)
	require.Equal(t, Write, tbl.Resolve("technician", RouteConflicts))
	require.Equal(t, Read, tbl.Resolve("auditor", RouteEvents))
	require.Equal(t, Read, base.Resolve("technician", RouteConflicts))

	_, err = base.WithOverrides(map[string]map[string]string{"viewer": {RouteTasks: "admin"}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" Write ")
	require.NoError(t, err)
	require.Equal(t, Write, l)
	l, err = ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, None, l)
	_, err = ParseLevel("owner")
	require.Error(t, err)
	require.Equal(t, "read", Read.String())
}
