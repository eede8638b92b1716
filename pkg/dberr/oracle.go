package dberr

import (
	"regexp"
	"strings"
)

// oraCodePattern extracts the leading ORA-NNNNN vendor code from an Oracle
// error payload. The proxy returns errors as text, so the code is the only
// structured field available.
var oraCodePattern = regexp.MustCompile(`ORA-(\d{5})`)

// oracleCategories maps Oracle vendor codes to canonical categories.
// Codes not listed fall back to UNKNOWN.
var oracleCategories = map[string]Category{
	// connectivity
	"12154": CategoryConnection, // TNS could not resolve connect identifier
	"12514": CategoryConnection, // TNS listener does not know of service
	"12541": CategoryConnection, // TNS no listener
	"03113": CategoryConnection, // end-of-file on communication channel
	"03114": CategoryConnection, // not connected to Oracle
	"12170": CategoryTimeout,    // TNS connect timeout
	"01013": CategoryTimeout,    // user requested cancel of current operation

	// authentication / authorization
	"01017": CategoryPermission, // invalid username/password
	"01031": CategoryPermission, // insufficient privileges
	"00942": CategoryInvalidTable, // table or view does not exist (also raised on no-grant)

	// SQL shape
	"00904": CategoryInvalidIdentifier, // invalid identifier
	"00918": CategoryInvalidIdentifier, // column ambiguously defined
	"00923": CategorySyntax,            // FROM keyword not found where expected
	"00933": CategorySyntax,            // SQL command not properly ended
	"00936": CategorySyntax,            // missing expression
	"00907": CategorySyntax,            // missing right parenthesis

	// data
	"01722": CategoryDataTypeMismatch,    // invalid number
	"01858": CategoryDataTypeMismatch,    // non-numeric character where numeric expected
	"01861": CategoryDataTypeMismatch,    // literal does not match format string
	"00001": CategoryConstraintViolation, // unique constraint violated
	"02291": CategoryConstraintViolation, // integrity constraint violated, parent key not found

	// capacity
	"00018": CategoryResourceExhausted, // maximum number of sessions exceeded
	"00020": CategoryResourceExhausted, // maximum number of processes exceeded
	"01652": CategoryResourceExhausted, // unable to extend temp segment
	"04031": CategoryResourceExhausted, // unable to allocate shared memory
}

// FromOracle normalizes an Oracle error payload. The payload is the error
// text reported by the Oracle client process, which carries ORA- vendor
// codes when the failure originated in the database.
func FromOracle(message string, cause error) *NormalizedError {
	code := ""
	if m := oraCodePattern.FindStringSubmatch(message); m != nil {
		code = m[1]
	}
	category := CategoryUnknown
	if code != "" {
		if c, ok := oracleCategories[code]; ok {
			category = c
		}
	} else if cause != nil {
		// No vendor code means the failure happened before the database
		// saw the statement; classify by transport error type instead.
		return FromTransport(cause)
	}
	ne := New(category, oraCode(code), strings.TrimSpace(message), cause)
	return ne
}

func oraCode(digits string) string {
	if digits == "" {
		return ""
	}
	return "ORA-" + digits
}
