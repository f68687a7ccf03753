package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateLotCollectsAllViolations(t *testing.T) {
	verr := ValidateLot(RestockInput{})
	require.NotNil(t, verr)
	require.Len(t, verr.Violations, 4)
	require.Contains(t, verr.Violations, "product is required")
	require.Contains(t, verr.Violations, "quantity must be greater than zero")
	require.Contains(t, verr.Violations, "cost price must be greater than zero")
	require.Contains(t, verr.Violations, "owner is required")
}

func TestValidateLotPartialViolations(t *testing.T) {
	verr := ValidateLot(RestockInput{ProductID: 1, OwnerID: 2, Quantity: 10, CostPrice: -1})
	require.NotNil(t, verr)
	require.Equal(t, []string{"cost price must be greater than zero"}, verr.Violations)

	verr = ValidateLot(RestockInput{ProductID: 1, OwnerID: 2, Quantity: -5, CostPrice: 0})
	require.NotNil(t, verr)
	require.Len(t, verr.Violations, 2)
}

func TestValidateLotAccepts(t *testing.T) {
	require.Nil(t, ValidateLot(RestockInput{ProductID: 1, OwnerID: 2, Quantity: 10, CostPrice: 3.5}))
}
