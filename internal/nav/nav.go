package nav

import (
	"net/http"
	"strings"

	"github.com/ensembleworks/troupegate/internal/session"
)

type Entry struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// View is what a client renders: whether the structural side panel is
// shown at all, and the ordered navigation entries for the role.
type View struct {
	SidePanel bool    `json:"side_panel"`
	Entries   []Entry `json:"entries"`
}

var (
	adminEntries = []Entry{
		{Label: "Dashboard", Path: "/dashboard"},
		{Label: "Users", Path: "/users"},
		{Label: "Bookings", Path: "/bookings"},
		{Label: "Complaints", Path: "/complaints"},
		{Label: "Attendance records", Path: "/attendance"},
		{Label: "Qualifications overview", Path: "/qualifications"},
		{Label: "Reports", Path: "/reports"},
		{Label: "Trainings", Path: "/trainings"},
	}

	trainerEntries = []Entry{
		{Label: "Dashboard", Path: "/dashboard"},
		{Label: "Attendance marking", Path: "/attendance/mark"},
		{Label: "Trainings", Path: "/trainings"},
	}

	userEntries = []Entry{
		{Label: "Home", Path: "/"},
		{Label: "Profile", Path: "/profile"},
		{Label: "Trainings", Path: "/trainings"},
		{Label: "File Complaint", Path: "/complaints/file"},
		{Label: "Logout", Path: "/a/logout"},
	}

	anonymousEntries = []Entry{
		{Label: "Home", Path: "/"},
		{Label: "Login", Path: "/a/login"},
		{Label: "Book Now", Path: "/bookings/book"},
	}
)

// Entries returns the navigation view for a role. An unset or unknown
// role degrades to the anonymous set, it never fails.
func Entries(role session.Role) View {
	switch role {
	case session.RoleAdmin:
		return View{SidePanel: true, Entries: adminEntries}
	case session.RoleTrainer:
		return View{SidePanel: true, Entries: trainerEntries}
	case session.RoleUser:
		return View{SidePanel: false, Entries: userEntries}
	default:
		return View{SidePanel: false, Entries: anonymousEntries}
	}
}

// rule is one row of the route policy. Rules are evaluated in order,
// first prefix+method match wins. Nil method or role sets mean "any",
// including anonymous.
type rule struct {
	prefix  string
	methods map[string]bool
	roles   map[session.Role]bool
}

func methods(ms ...string) map[string]bool {
	set := make(map[string]bool, len(ms))
	for _, m := range ms {
		set[m] = true
	}
	return set
}

func roles(rs ...session.Role) map[session.Role]bool {
	set := make(map[session.Role]bool, len(rs))
	for _, r := range rs {
		set[r] = true
	}
	return set
}

var authenticated = roles(session.RoleAdmin, session.RoleTrainer, session.RoleUser)

// routePolicy is the single source of truth for route protection. The
// visible entries above and this table must stay in sync: everything a
// role can see, it can also reach.
var routePolicy = []rule{
	// public surface
	{prefix: "/a/login"},
	{prefix: "/a/logout"},
	{prefix: "/nav"},
	{prefix: "/notifications"},
	{prefix: "/version"},
	{prefix: "/bookings/book", methods: methods(http.MethodGet, http.MethodPost, http.MethodOptions)},
	{prefix: "/bookings/event-types", methods: methods(http.MethodGet, http.MethodOptions)},

	// admin only
	{prefix: "/bookings", roles: roles(session.RoleAdmin)},
	{prefix: "/users", roles: roles(session.RoleAdmin)},
	{prefix: "/qualifications", roles: roles(session.RoleAdmin)},
	{prefix: "/reports", roles: roles(session.RoleAdmin)},
	{prefix: "/complaints/file", methods: methods(http.MethodPost, http.MethodOptions), roles: authenticated},
	{prefix: "/complaints/user/", methods: methods(http.MethodGet), roles: authenticated},
	{prefix: "/complaints/reappeal/", methods: methods(http.MethodPost, http.MethodOptions), roles: authenticated},
	{prefix: "/complaints", roles: roles(session.RoleAdmin)},

	// admin + trainer
	{prefix: "/dashboard", roles: roles(session.RoleAdmin, session.RoleTrainer)},
	{prefix: "/attendance/mark", roles: roles(session.RoleAdmin, session.RoleTrainer)},
	{prefix: "/attendance", methods: methods(http.MethodGet), roles: roles(session.RoleAdmin, session.RoleTrainer)},

	// shared training section: everyone logged in reads, staff mutates
	{prefix: "/trainings", methods: methods(http.MethodGet), roles: authenticated},
	{prefix: "/trainings", roles: roles(session.RoleAdmin, session.RoleTrainer)},

	// schedule: logged in users read, admin mutates
	{prefix: "/schedule", methods: methods(http.MethodGet), roles: authenticated},
	{prefix: "/schedule", roles: roles(session.RoleAdmin)},

	{prefix: "/profile", methods: methods(http.MethodGet), roles: authenticated},
}

// Allowed decides whether the role may reach the given method+path.
// Unknown paths are denied here and 404ed by the router.
func Allowed(role session.Role, method, path string) bool {
	if path == "/" {
		return true
	}

	for _, r := range routePolicy {
		if !strings.HasPrefix(path, r.prefix) {
			continue
		}
		if r.methods != nil && !r.methods[method] {
			continue
		}
		if r.roles == nil {
			return true
		}
		return r.roles[role]
	}

	return false
}
