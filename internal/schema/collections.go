package schema

// Logical collection names. The local store and the sync queue use these
// exclusively; physical backend table names are resolved through
// RemoteNames, which hides the snake_case/camelCase drift between
// deployed backends.
const (
	Products       = "products"
	Categories     = "categories"
	Transactions   = "transactions"
	Branches       = "branches"
	Units          = "units"
	Issues         = "issues"
	Returns        = "returns"
	Locations      = "locations"
	Adjustments    = "inventory_adjustments"
	BranchRequests = "branch_requests"
	BranchInvoices = "branch_invoices"
	PurchaseReqs   = "purchase_requests"
	UserSessions   = "user_sessions"
)

// Collections lists every domain collection the sync worker pulls.
// UserSessions is deliberately absent: session records are cloud
// authoritative and never mirrored into the local store.
var Collections = []string{
	Products,
	Categories,
	Transactions,
	Branches,
	Units,
	Issues,
	Returns,
	Locations,
	Adjustments,
	BranchRequests,
	BranchInvoices,
	PurchaseReqs,
}

// RemoteNames maps a logical collection to its physical name candidates
// in resolution order. The first entry is the canonical snake_case name;
// later entries cover backends provisioned with camelCase tables. The
// user_sessions fallback to devices matches deployments where the device
// registry predates per-user sessions.
var RemoteNames = map[string][]string{
	Products:       {"products"},
	Categories:     {"categories"},
	Transactions:   {"transactions"},
	Branches:       {"branches"},
	Units:          {"units"},
	Issues:         {"issues"},
	Returns:        {"returns"},
	Locations:      {"locations"},
	Adjustments:    {"inventory_adjustments", "inventoryAdjustments"},
	BranchRequests: {"branch_requests", "branchRequests"},
	BranchInvoices: {"branch_invoices", "branchInvoices"},
	PurchaseReqs:   {"purchase_requests", "purchaseRequests"},
	UserSessions:   {"user_sessions", "devices"},
}

// NameCandidates returns the physical names to try for a logical
// collection. Unmapped collections resolve to themselves.
func NameCandidates(logical string) []string {
	if names, ok := RemoteNames[logical]; ok {
		return names
	}
	return []string{logical}
}
