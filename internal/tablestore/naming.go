package tablestore

import (
	"strings"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

// Namespace builds the physical names for one tenant's tables: the
// store-level prefix, the tenant identifier, and the logical name joined
// by a backend-specific separator. It is a naming convention only and
// never leaks into schemas returned to callers.
type Namespace struct {
	Prefix    string
	Tenant    string
	Separator string
}

// catalogName is the reserved logical name of the per-store catalog table.
// Leading underscores keep it out of the tenant-visible namespace.
const catalogName = "__tables"

// shadowSuffix marks the temporary table built during a redefinition.
const shadowSuffix = "__shadow"

// Physical returns the backend name for a logical table name.
func (n Namespace) Physical(name string) string {
	return n.Prefix + n.Separator + n.Tenant + n.Separator + name
}

// Catalog returns the backend name of the store's own catalog table.
func (n Namespace) Catalog() string {
	return n.Physical(catalogName)
}

// Shadow returns the reserved backend name for a table's migration shadow.
func (n Namespace) Shadow(name string) string {
	return n.Physical(name) + shadowSuffix
}

// Validate checks that the namespace parts cannot collide with the
// separator or escape identifier quoting.
func (n Namespace) Validate() error {
	if n.Prefix == "" || !types.ValidIdentifier(n.Prefix) {
		return errors.Malformed(errors.CategorySchema, "invalid namespace prefix %q", n.Prefix)
	}
	if n.Tenant == "" || !types.ValidIdentifier(n.Tenant) {
		return errors.Malformed(errors.CategorySchema, "invalid tenant identifier %q", n.Tenant)
	}
	if strings.Contains(n.Prefix, n.Separator) || strings.Contains(n.Tenant, n.Separator) {
		return errors.Malformed(errors.CategorySchema, "namespace parts may not contain the separator %q", n.Separator)
	}
	return nil
}
