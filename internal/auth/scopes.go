package auth

// Known OAuth scopes used by the record store.
const (
	ScopeRecordsWrite          = "records:write"
	ScopeRecordsRead           = "records:read"
	ScopeRecordsReadAllOrigins = "records:read_all_origins"
	ScopeRecordsReadHistorical = "records:read_historical"
)
