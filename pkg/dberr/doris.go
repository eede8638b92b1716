package dberr

import "strconv"

// dorisCategories maps MySQL-protocol vendor codes (Doris speaks the MySQL
// wire dialect) to canonical categories.
var dorisCategories = map[int]Category{
	1064: CategorySyntax,            // syntax error
	1054: CategoryInvalidIdentifier, // unknown column
	1052: CategoryInvalidIdentifier, // column ambiguous
	1146: CategoryInvalidTable,      // table doesn't exist
	1049: CategoryInvalidTable,      // unknown database
	1044: CategoryPermission,        // access denied for database
	1045: CategoryPermission,        // access denied for user
	1142: CategoryPermission,        // command denied
	1040: CategoryResourceExhausted, // too many connections
	1041: CategoryResourceExhausted, // out of memory
	1213: CategoryResourceExhausted, // deadlock, safe to retry
	1205: CategoryTimeout,           // lock wait timeout
	3024: CategoryTimeout,           // query interrupted by max_execution_time
	1366: CategoryDataTypeMismatch,  // incorrect value for column
	1292: CategoryDataTypeMismatch,  // truncated incorrect value
	1062: CategoryConstraintViolation,
	1451: CategoryConstraintViolation,
	1452: CategoryConstraintViolation,
	2002: CategoryConnection, // can't connect through socket
	2003: CategoryConnection, // can't connect to server
	2006: CategoryConnection, // server has gone away
	2013: CategoryConnection, // lost connection during query
}

// FromDoris normalizes a Doris error reported through the MCP tool response.
// code is the MySQL-protocol vendor code when the response carried one; pass
// 0 when the tool reported a failure without a code.
func FromDoris(code int, message string, cause error) *NormalizedError {
	if code == 0 {
		if cause != nil {
			return FromTransport(cause)
		}
		return New(CategoryUnknown, "", message, nil)
	}
	category, ok := dorisCategories[code]
	if !ok {
		category = CategoryUnknown
	}
	return New(category, strconv.Itoa(code), message, cause)
}
