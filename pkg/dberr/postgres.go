package dberr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// FromPostgres normalizes a pgx/pgconn error. PostgreSQL reports a SQLSTATE
// on every server-side error; class prefixes cover the conditions individual
// codes do not.
func FromPostgres(err error) *NormalizedError {
	if err == nil {
		return nil
	}
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return FromTransport(err)
	}
	return New(postgresCategory(pgErr.Code), pgErr.Code, pgErr.Message, err)
}

func postgresCategory(sqlstate string) Category {
	switch sqlstate {
	case "57014": // query_canceled: statement_timeout fired
		return CategoryTimeout
	case "42601":
		return CategorySyntax
	case "42703", "42702": // undefined_column, ambiguous_column
		return CategoryInvalidIdentifier
	case "42P01": // undefined_table
		return CategoryInvalidTable
	case "42501": // insufficient_privilege
		return CategoryPermission
	case "42804", "22P02", "22007": // datatype_mismatch, invalid_text_representation, invalid_datetime_format
		return CategoryDataTypeMismatch
	case "53300": // too_many_connections
		return CategoryResourceExhausted
	}
	if len(sqlstate) >= 2 {
		switch sqlstate[:2] {
		case "08": // connection exception class
			return CategoryConnection
		case "28": // invalid authorization class
			return CategoryPermission
		case "23": // integrity constraint class
			return CategoryConstraintViolation
		case "53": // insufficient resources class
			return CategoryResourceExhausted
		case "57": // operator intervention (shutdown, crash)
			return CategoryConnection
		case "42": // syntax or access rule class
			return CategorySyntax
		}
	}
	return CategoryUnknown
}
