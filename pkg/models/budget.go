package models

// BudgetPeriod is the window a budget policy is measured over.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// BudgetPolicy caps the tokens spent on a provider, optionally narrowed to
// one model. Provider "*" matches every provider.
type BudgetPolicy struct {
	Provider  string       `yaml:"provider" json:"provider"`
	Model     string       `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens int64        `yaml:"max_tokens" json:"max_tokens"`
	Period    BudgetPeriod `yaml:"period" json:"period"`
}

// BudgetStatus is the usage measured against one policy.
type BudgetStatus struct {
	Policy    BudgetPolicy `json:"policy"`
	Used      int64        `json:"used"`
	Remaining int64        `json:"remaining"`
}
