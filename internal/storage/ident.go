package storage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/open-mercato/queryindex/internal/types"
)

// validIdentRe validates SQL identifiers (table and column names) before they
// are interpolated into generated statements.
var validIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validFieldKeyRe validates custom-field keys for use in JSON path
// expressions. Allows alphanumeric, underscore, dot and dash.
var validFieldKeyRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.\-]*$`)

// ValidIdent reports whether s is safe to use as a table or column name in
// generated SQL.
func ValidIdent(s string) bool {
	return validIdentRe.MatchString(s)
}

// ValidateIdent returns an error naming the offending identifier.
func ValidateIdent(s string) error {
	if !ValidIdent(s) {
		return fmt.Errorf("%w: unsafe identifier %q", ErrInvalidArgument, s)
	}
	return nil
}

// ValidateFieldKey checks a custom-field key before it is embedded in a JSON
// path expression. The cf: prefix, if present, is stripped first.
func ValidateFieldKey(key string) error {
	k := strings.TrimPrefix(key, types.CFPrefix)
	if k == "" || !validFieldKeyRe.MatchString(k) {
		return fmt.Errorf("%w: unsafe custom-field key %q", ErrInvalidArgument, key)
	}
	return nil
}
