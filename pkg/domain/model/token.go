package model

// Token is a credential for a testing service.
type Token struct {
	Type   string `json:"type" yaml:"type"`
	Secret string `json:"secret" yaml:"secret"`
}

// Principal identifies the caller of a user scoped operation.
type Principal struct {
	UserID string
	Tokens map[string]Token
}
