//go:build linux

package runtime

import (
	"github.com/vishvananda/netlink"

	"dockwall.dev/dockwall/internal/logging"
)

// CheckExternalInterfaces verifies that the declared external network
// interfaces exist on the host. Missing interfaces are reported, not fatal:
// an interface may legitimately appear later (hotplug, VPN).
func CheckExternalInterfaces(names []string) []string {
	log := logging.WithComponent("resolver")
	var missing []string
	for _, name := range names {
		if _, err := netlink.LinkByName(name); err != nil {
			log.Warn("external network interface not present", "interface", name)
			missing = append(missing, name)
		}
	}
	return missing
}
