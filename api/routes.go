package api

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint        = "/ping"         // Health check endpoint
	HealthLiveEndpoint  = "/health/live"  // GET: liveness, returns immediately
	HealthReadyEndpoint = "/health/ready" // GET: readiness, requires all subsystems healthy

	// Relay endpoint
	RelayEndpoint = "/relay" // POST: Submit a signed forward request

	// Transaction endpoints
	HashURLParam    = "hash"    // URL parameter for transaction hash
	AddressURLParam = "address" // URL parameter for account address
	// GET: transaction record by hash
	TransactionsEndpoint = "/transactions"
	TransactionEndpoint  = TransactionsEndpoint + "/{" + HashURLParam + "}"
	// GET: records where the address is either party
	TransactionsByAddressEndpoint = TransactionsEndpoint + "/address/{" + AddressURLParam + "}"

	// Policy rule endpoints
	RuleURLParam = "ruleId" // URL parameter for policy rule ID
	// GET: list rules, POST: create rule; GET/PUT/DELETE on one rule
	PoliciesEndpoint = "/policies"
	PolicyEndpoint   = PoliciesEndpoint + "/{" + RuleURLParam + "}"

	// Listing query parameters
	OffsetQueryParam = "offset"
	LimitQueryParam  = "limit"
)
