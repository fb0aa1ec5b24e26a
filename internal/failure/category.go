package failure

// Category is the closed set of failure kinds.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryBusinessLogic  Category = "business_logic"
	CategorySystem         Category = "system"
	CategoryUnknown        Category = "unknown"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type categoryInfo struct {
	recoverable bool
	severity    Severity
}

var categories = map[Category]categoryInfo{
	CategoryNetwork:        {recoverable: true, severity: SeverityMedium},
	CategoryDatabase:       {recoverable: true, severity: SeverityHigh},
	CategoryValidation:     {recoverable: false, severity: SeverityLow},
	CategoryAuthentication: {recoverable: true, severity: SeverityHigh},
	CategoryRateLimit:      {recoverable: true, severity: SeverityMedium},
	CategoryBusinessLogic:  {recoverable: false, severity: SeverityMedium},
	CategorySystem:         {recoverable: true, severity: SeverityCritical},
	CategoryUnknown:        {recoverable: true, severity: SeverityMedium},
}

// Recoverable reports whether failures of this category may be retried.
func (c Category) Recoverable() bool {
	info, ok := categories[c]
	if !ok {
		return categories[CategoryUnknown].recoverable
	}
	return info.recoverable
}

// Severity returns the base severity of the category.
func (c Category) Severity() Severity {
	info, ok := categories[c]
	if !ok {
		return categories[CategoryUnknown].severity
	}
	return info.severity
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// keyword sets, checked in order; the first category with a match wins.
var keywordRules = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "ratelimit", "too many requests", "429", "quota exceeded", "throttl"}},
	{CategoryAuthentication, []string{"unauthorized", "unauthorised", "authentication", "forbidden", "401", "403", "invalid token", "token expired", "invalid credentials", "access denied"}},
	{CategoryValidation, []string{"validation", "invalid", "required field", "is required", "malformed", "must be", "out of range", "bad request"}},
	{CategoryDatabase, []string{"database", "sql", "deadlock", "constraint", "duplicate key", "relation", "transaction", "lock wait"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "broken pipe", "no such host", "network", "timeout", "timed out", "unreachable", "dns", "eof", "tls handshake"}},
	{CategoryBusinessLogic, []string{"business rule", "not allowed", "insufficient", "already processed", "state conflict", "precondition"}},
	{CategorySystem, []string{"out of memory", "no space left", "disk full", "too many open files", "panic", "permission denied", "resource exhausted"}},
}
