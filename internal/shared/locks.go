package shared

import (
	"fmt"
	"hash/fnv"
)

// CompanyBudgetLockKey builds the advisory lock key serializing budget
// creation for a company.
func CompanyBudgetLockKey(companyID int64) int64 {
	return advisoryKey(fmt.Sprintf("spend:company:%d:budgets", companyID))
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
