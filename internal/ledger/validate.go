package ledger

// ValidateLot checks a prospective lot and collects every violated rule
// instead of short-circuiting on the first. A nil return means the input is
// acceptable.
func ValidateLot(input RestockInput) *ValidationError {
	var violations []string
	if input.ProductID == 0 {
		violations = append(violations, "product is required")
	}
	if input.Quantity <= 0 {
		violations = append(violations, "quantity must be greater than zero")
	}
	if input.CostPrice <= 0 {
		violations = append(violations, "cost price must be greater than zero")
	}
	if input.OwnerID == 0 {
		violations = append(violations, "owner is required")
	}
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}
