package db

import "fmt"

// LimitOffset appends the paging arguments to args and returns the matching
// SQL suffix. A non-positive limit selects every row from offset on.
func LimitOffset(args *[]interface{}, limit, offset int) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
