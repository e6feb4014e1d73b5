package replication

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/eventsync/internal/events"
)

// ShapeFunc turns a stored event into the row written to its destination table.
type ShapeFunc func(event events.Event) (DestinationRow, error)

// Route binds an event-type prefix to a destination table and its shaping strategy.
type Route struct {
	Prefix string
	Table  string
	Shape  ShapeFunc
}

// Router resolves event types to routes by prefix.
type Router struct {
	routes map[string]Route
}

// DefaultRoutes returns the event families replicated by default.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "CALL", Table: "CALL_EVENTS_RAW", Shape: shapeAs(func() FamilyPayload { return &CallReportPayload{} })},
		{Prefix: "EXPENSE", Table: "EXPENSE_EVENTS_RAW", Shape: shapeAs(func() FamilyPayload { return &ExpensePayload{} })},
		{Prefix: "SAFETY", Table: "SAFETY_EVENTS_RAW", Shape: shapeAs(func() FamilyPayload { return &SafetyPayload{} })},
	}
}

// NewRouter indexes routes by upper-cased prefix. Duplicate or incomplete routes are rejected.
func NewRouter(routes []Route) (*Router, error) {
	index := make(map[string]Route, len(routes))
	for _, route := range routes {
		prefix := strings.ToUpper(strings.TrimSpace(route.Prefix))
		if prefix == "" || strings.Contains(prefix, "_") {
			return nil, fmt.Errorf("replication: invalid route prefix %q", route.Prefix)
		}
		if strings.TrimSpace(route.Table) == "" || route.Shape == nil {
			return nil, fmt.Errorf("replication: route %s requires a table and a shape function", prefix)
		}
		if _, exists := index[prefix]; exists {
			return nil, fmt.Errorf("replication: duplicate route prefix %s", prefix)
		}
		route.Prefix = prefix
		index[prefix] = route
	}
	return &Router{routes: index}, nil
}

// Resolve returns the route for an event type, keyed on the text before its first underscore.
func (r *Router) Resolve(eventType string) (Route, bool) {
	prefix, ok := familyPrefix(eventType)
	if !ok {
		return Route{}, false
	}
	route, ok := r.routes[prefix]
	return route, ok
}

func familyPrefix(eventType string) (string, bool) {
	prefix, _, found := strings.Cut(strings.TrimSpace(eventType), "_")
	if !found || prefix == "" {
		return "", false
	}
	return strings.ToUpper(prefix), true
}
