package obs

import "strings"

// CanonicalPath collapses identifier segments so metric labels stay low
// cardinality. Unknown shapes are returned as-is.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "tenants":
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "members" {
			parts[4] = ":user_id"
		}
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "memberships" && parts[3] == "profile":
		parts[2] = ":id"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "disable":
		parts[3] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}
