// Package builtin contains the tools personas can enable by name.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"roundtable/internal/tools"
)

const (
	TicketPrice = "get_ticket_price"
	CurrentTime = "current_time"
)

// UnknownPrice is returned for destinations missing from the fare table.
const UnknownPrice = "Unknown"

// DefaultFares are round-trip prices keyed by lower-case city name.
var DefaultFares = map[string]string{
	"london":  "799€",
	"londres": "799€",
	"paris":   "899€",
	"parís":   "899€",
	"tokyo":   "1400€",
	"tokio":   "1400€",
	"berlin":  "499€",
	"berlín":  "499€",
}

// TicketPriceTool looks up a destination in fares, ignoring case and
// surrounding spaces.
func TicketPriceTool(fares map[string]string) tools.Spec {
	return tools.Spec{
		Name:        TicketPrice,
		Description: "Get the price of a return ticket to the destination city. Call this whenever you need to know the ticket price, for example when a customer asks 'How much is a ticket to this city?'",
		Params: map[string]tools.Param{
			"destination_city": {Type: tools.TypeString, Required: true, Description: "The city that the customer wants to travel to"},
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			city, _ := args["destination_city"].(string)
			price, ok := fares[strings.ToLower(strings.TrimSpace(city))]
			if !ok {
				price = UnknownPrice
			}
			return map[string]any{"destination_city": city, "price": price}, nil
		},
	}
}

func CurrentTimeTool(now func() time.Time) tools.Spec {
	return tools.Spec{
		Name:        CurrentTime,
		Description: "Get the current date and time, optionally in an IANA time zone such as Europe/Madrid.",
		Params: map[string]tools.Param{
			"timezone": {Type: tools.TypeString, Description: "IANA time zone name, defaults to UTC"},
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			zone, _ := args["timezone"].(string)
			loc := time.UTC
			if zone != "" {
				l, err := time.LoadLocation(zone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", zone)
				}
				loc = l
			}
			t := now().In(loc)
			return map[string]any{"timezone": loc.String(), "time": t.Format(time.RFC3339)}, nil
		},
	}
}

func all() map[string]tools.Spec {
	return map[string]tools.Spec{
		TicketPrice: TicketPriceTool(DefaultFares),
		CurrentTime: CurrentTimeTool(time.Now),
	}
}

// Names lists every built-in tool.
func Names() []string {
	out := make([]string, 0, 2)
	for n := range all() {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func Known(name string) bool {
	_, ok := all()[name]
	return ok
}

// Registry builds a registry holding the named built-ins.
func Registry(names ...string) (*tools.Registry, error) {
	specs := all()
	selected := make([]tools.Spec, 0, len(names))
	for _, n := range names {
		s, ok := specs[n]
		if !ok {
			return nil, &tools.ConfigurationError{Tool: n, Reason: "no built-in tool with this name"}
		}
		selected = append(selected, s)
	}
	return tools.NewRegistry(selected...)
}
