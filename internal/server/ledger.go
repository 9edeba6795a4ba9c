package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTrialBalance sums signed entry amounts per account. The grand total
// is returned alongside so a drifted ledger is visible at a glance; on a
// healthy book it is always zero.
func (s *Server) GetTrialBalance(c *gin.Context) {
	balances, err := s.ledgerSvc.TrialBalance(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var total int64
	for _, balance := range balances {
		total += balance.Balance
	}

	c.JSON(http.StatusOK, gin.H{"accounts": balances, "total": total})
}
