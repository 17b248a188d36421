// Package tokens derives search tokens from indexed documents and keeps the
// search_tokens table in step with them.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// skippedFields are never tokenized regardless of value.
var skippedFields = map[string]struct{}{
	"id":              {},
	"tenant_id":       {},
	"organization_id": {},
	"created_at":      {},
	"updated_at":      {},
	"deleted_at":      {},
}

// Extractor turns documents into search tokens and replaces them in storage.
type Extractor struct {
	store     storage.Store
	blocklist map[string]struct{}
	storeRaw  bool
}

// RecordDoc is one record of a batch replacement.
type RecordDoc struct {
	RecordID string
	Scope    types.Scope
	Doc      types.Doc
}

// New builds an extractor with the configured blocklist. Blocklist entries
// match case-insensitively against full field names.
func New(store storage.Store, cfg *config.Config) *Extractor {
	blocklist := make(map[string]struct{}, len(cfg.TokenBlocklist))
	for _, f := range cfg.TokenBlocklist {
		blocklist[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return &Extractor{
		store:     store,
		blocklist: blocklist,
		storeRaw:  cfg.StoreRawTokens,
	}
}

// ReplaceForRecord swaps the tokens of one record in a single transaction.
func (e *Extractor) ReplaceForRecord(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) error {
	return e.store.ReplaceTokens(ctx, entity, []storage.TokenReplacement{
		e.buildReplacement(entity, recordID, scope, doc),
	})
}

// ReplaceForBatch swaps the tokens of many records in a single transaction.
func (e *Extractor) ReplaceForBatch(ctx context.Context, entity types.EntityType, records []RecordDoc) error {
	if len(records) == 0 {
		return nil
	}
	batch := make([]storage.TokenReplacement, 0, len(records))
	for _, r := range records {
		batch = append(batch, e.buildReplacement(entity, r.RecordID, r.Scope, r.Doc))
	}
	return e.store.ReplaceTokens(ctx, entity, batch)
}

// buildReplacement extracts tokens and names the fields whose tokens this
// replacement owns. Fields carries every tokenizable field present in the
// document, including ones whose new value yields no tokens, so clearing a
// title also clears its stale tokens. An empty document clears the record.
func (e *Extractor) buildReplacement(entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) storage.TokenReplacement {
	rep := storage.TokenReplacement{RecordID: recordID, Scope: scope}
	if len(doc) == 0 {
		rep.DeleteAll = true
		return rep
	}

	seen := make(map[string]struct{})
	for _, field := range doc.SortedKeys() {
		if e.skipField(field) {
			continue
		}
		rep.Fields = append(rep.Fields, field)
		for _, value := range eligibleStrings(doc[field]) {
			for _, token := range tokenize(value) {
				hash := hashToken(token)
				dedupeKey := field + "\x00" + hash
				if _, dup := seen[dedupeKey]; dup {
					continue
				}
				seen[dedupeKey] = struct{}{}

				row := types.SearchToken{
					EntityType:     entity,
					RecordID:       recordID,
					Field:          field,
					TokenHash:      hash,
					OrganizationID: scope.OrganizationID,
					TenantID:       scope.TenantID,
				}
				if e.storeRaw {
					row.Token = types.StrPtr(token)
				}
				rep.Tokens = append(rep.Tokens, row)
			}
		}
	}
	return rep
}

// skipField drops identity and timestamp fields plus the configured
// blocklist.
func (e *Extractor) skipField(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := skippedFields[lower]; ok {
		return true
	}
	if strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_at") {
		return true
	}
	_, blocked := e.blocklist[lower]
	return blocked
}

// eligibleStrings returns the string values of a field that qualifies for
// tokenization: a non-empty string, or an array whose elements are all
// strings with at least one non-empty. Anything else yields nothing.
func eligibleStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			s, ok := el.(string)
			if !ok {
				return nil
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// tokenize lowercases the value and splits it on anything that is not a
// letter or digit. The whole trimmed value is included as a token too, so
// exact lookups on multi-word values (emails, slugs) keep working.
func tokenize(value string) []string {
	lower := strings.ToLower(strings.TrimSpace(value))
	if lower == "" {
		return nil
	}
	parts := strings.FieldsFunc(lower, func(r rune) bool {
		return !isTokenRune(r)
	})
	if len(parts) == 1 && parts[0] == lower {
		return parts
	}
	out := make([]string, 0, len(parts)+1)
	out = append(out, parts...)
	out = append(out, lower)
	return out
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r >= 0x80:
		// Non-ASCII letters stay inside tokens.
		return true
	default:
		return false
	}
}

// hashToken returns the hex sha256 of a normalized token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenHash exposes the hash for callers that search the token table.
func TokenHash(value string) string {
	return hashToken(strings.ToLower(strings.TrimSpace(value)))
}
