package privacy

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/internal/epcis"
)

// RuleProvider supplies the redaction field paths configured for an
// organization. Paths are dotted element paths relative to the document
// root, e.g. "EPCISDocument.EPCISBody.EventList.ObjectEvent.readPoint".
type RuleProvider interface {
	FieldPaths(ctx context.Context, organizationID string) ([]string, error)
}

// Redactor removes organization-configured fields from a cloned document.
// The original document is never touched; callers keep it for the broker
// payload while the redacted clone goes to storage and the search index.
type Redactor struct {
	rules RuleProvider
}

// NewRedactor creates a new redactor
func NewRedactor(rules RuleProvider) *Redactor {
	return &Redactor{rules: rules}
}

// Redact clones the document, removes every configured field path and
// returns the clone together with its re-rendered XML. Unknown or missing
// paths are skipped silently. An empty XML result signals that redaction
// corrupted the document; callers must treat it as a rejection.
func (r *Redactor) Redact(ctx context.Context, doc epcis.Document, organizationID string) (epcis.Document, string, error) {
	clone, err := doc.Clone()
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to clone document for redaction")
	}

	paths, err := r.rules.FieldPaths(ctx, organizationID)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to load redaction rules")
	}

	for _, path := range paths {
		segments := strings.Split(path, ".")
		if len(segments) == 0 {
			continue
		}
		removePath(map[string]interface{}(clone), segments)
	}

	if len(paths) > 0 {
		log.Debug().
			Str("organization_id", organizationID).
			Int("rules", len(paths)).
			Msg("applied redaction rules")
	}

	return clone, clone.XML(), nil
}

// removePath walks one dotted path into the value tree and deletes the leaf
// key. Lists are descended element-wise so a rule applies to every repeated
// sibling.
func removePath(value interface{}, segments []string) {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(segments) == 1 {
			delete(v, segments[0])
			return
		}
		next, ok := v[segments[0]]
		if !ok {
			return
		}
		removePath(next, segments[1:])
	case []interface{}:
		for _, item := range v {
			removePath(item, segments)
		}
	}
}
