package possync

// Role is the one capability the permission gate needs from a terminal.
type Role interface {
	IsPrimary() bool
}

type CatalogOperation string

const (
	CatalogCreate CatalogOperation = "CREATE"
	CatalogUpdate CatalogOperation = "UPDATE"
	CatalogDelete CatalogOperation = "DELETE"
	CatalogPush   CatalogOperation = "PUSH"
)

var allCatalogOperations = []CatalogOperation{CatalogCreate, CatalogUpdate, CatalogDelete, CatalogPush}

// AllowedCatalogOperations is every operation for the master and none for a slave.
func AllowedCatalogOperations(role Role) []CatalogOperation {
	if role == nil || !role.IsPrimary() {
		return []CatalogOperation{}
	}
	out := make([]CatalogOperation, len(allCatalogOperations))
	copy(out, allCatalogOperations)
	return out
}

func CanMutateCatalog(role Role, op CatalogOperation) bool {
	for _, allowed := range AllowedCatalogOperations(role) {
		if allowed == op {
			return true
		}
	}
	return false
}

// StaticRole adapts a plain flag, such as the one carried in a session token.
type StaticRole bool

func (r StaticRole) IsPrimary() bool { return bool(r) }
