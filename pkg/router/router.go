// Package router implements Router Registration (§4.4): on startup, the
// parent advertises its application name to each configured router.
package router

import (
	"context"
	"fmt"

	"github.com/opensrf-go/listener/internal/bus"
	"github.com/opensrf-go/listener/internal/config"
	"github.com/opensrf-go/listener/internal/protocol"
)

// Entry is a router registration target. A plain-string config entry
// becomes an Entry with Name empty; Services, when non-empty, gates
// registration to only the applications it names.
type Entry = config.RouterEntry

// Register sends one registration message per configured router entry that
// applies to appName, addressed to <name>@<domain>/router with a routing
// header of ("register", appName).
//
// An entry with no Services list registers unconditionally; an entry whose
// Services list is present only registers when appName appears in it.
func Register(ctx context.Context, client bus.Client, entries []Entry, routerName, appName, from string) error {
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = routerName
		}
		if len(e.Services) > 0 && !contains(e.Services, appName) {
			continue
		}

		jid := fmt.Sprintf("%s@%s/router", name, e.Domain)
		msg := protocol.NewRegistration(from, jid, appName)
		if err := client.Send(ctx, msg); err != nil {
			return fmt.Errorf("router: register with %s: %w", jid, err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
