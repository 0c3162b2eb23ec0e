package privacy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/chaintrace/services/events/internal/epcis"
)

type stubRules struct {
	paths []string
}

func (s stubRules) FieldPaths(ctx context.Context, organizationID string) ([]string, error) {
	return s.paths, nil
}

func sampleDocument(t *testing.T) epcis.Document {
	t.Helper()
	root, err := epcis.Parse([]byte(`<EPCISDocument schemaVersion="1.2" creationDate="2023-03-01T10:00:00Z">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <action>ADD</action>
        <bizLocation><id>urn:epc:id:sgln:0614141.00888.0</id></bizLocation>
        <epcList><epc>a</epc><epc>b</epc></epcList>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</EPCISDocument>`))
	require.NoError(t, err)
	return epcis.ToDocument(root)
}

func TestRedactEmptyRuleSetIsNoOp(t *testing.T) {
	doc := sampleDocument(t)
	redactor := NewRedactor(stubRules{})

	redacted, xml, err := redactor.Redact(context.Background(), doc, "org-1")
	require.NoError(t, err)
	require.NotEmpty(t, xml)

	// Output deep-equals input
	want, err := doc.JSON()
	require.NoError(t, err)
	got, err := redacted.JSON()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRedactRemovesConfiguredPath(t *testing.T) {
	doc := sampleDocument(t)
	redactor := NewRedactor(stubRules{paths: []string{
		"EPCISDocument.EPCISBody.EventList.ObjectEvent.bizLocation",
	}})

	redacted, xml, err := redactor.Redact(context.Background(), doc, "org-1")
	require.NoError(t, err)
	require.NotContains(t, xml, "bizLocation")

	event := dig(t, redacted, "EPCISDocument", "EPCISBody", "EventList", "ObjectEvent")
	_, present := event["bizLocation"]
	require.False(t, present)
	// Untouched fields survive
	_, present = event["epcList"]
	require.True(t, present)
}

func TestRedactOriginalUntouched(t *testing.T) {
	doc := sampleDocument(t)
	redactor := NewRedactor(stubRules{paths: []string{
		"EPCISDocument.EPCISBody.EventList.ObjectEvent.bizLocation",
	}})

	_, _, err := redactor.Redact(context.Background(), doc, "org-1")
	require.NoError(t, err)

	event := dig(t, doc, "EPCISDocument", "EPCISBody", "EventList", "ObjectEvent")
	_, present := event["bizLocation"]
	require.True(t, present)
}

func TestRedactUnknownPathSkippedSilently(t *testing.T) {
	doc := sampleDocument(t)
	redactor := NewRedactor(stubRules{paths: []string{
		"EPCISDocument.EPCISBody.EventList.ObjectEvent.noSuchElement.child",
		"Nowhere.at.all",
	}})

	redacted, xml, err := redactor.Redact(context.Background(), doc, "org-1")
	require.NoError(t, err)
	require.NotEmpty(t, xml)

	want, err := doc.JSON()
	require.NoError(t, err)
	got, err := redacted.JSON()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func dig(t *testing.T, doc epcis.Document, keys ...string) map[string]interface{} {
	t.Helper()
	current := map[string]interface{}(doc)
	for _, key := range keys {
		next, ok := current[key].(map[string]interface{})
		require.True(t, ok, "missing %s", key)
		current = next
	}
	return current
}
