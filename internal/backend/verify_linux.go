//go:build linux

package backend

import (
	"fmt"

	"github.com/google/nftables"

	"dockwall.dev/dockwall/internal/compile"
)

// VerifyManagedTable checks over netlink that the managed table actually
// exists in the kernel. Run after each successful apply as a sanity check
// that nft and the running kernel agree.
func VerifyManagedTable() error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("netlink connection failed: %w", err)
	}

	tables, err := conn.ListTables()
	if err != nil {
		return fmt.Errorf("listing tables failed: %w", err)
	}
	for _, t := range tables {
		if t.Name == compile.TableName && t.Family == nftables.TableFamilyINet {
			return nil
		}
	}
	return fmt.Errorf("table %s %s not present in kernel", compile.TableFamily, compile.TableName)
}
