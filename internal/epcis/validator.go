package epcis

import (
	"fmt"
	"strings"
	"time"
)

// Numbered validation error codes surfaced to clients alongside the message
const (
	CodeMalformedXML     = 1100
	CodeSchemaViolation  = 1101
	CodeAggregationEvent = 1102
	CodeEventCount       = 1103
)

// MsgAggregationNotSupported is the exact rejection message for documents
// carrying an aggregation event anywhere under the event list
const MsgAggregationNotSupported = "Aggregation events are not supported."

// ValidationError is a policy-level rejection of a submitted document
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Summary holds the metadata extracted from a validated document
type Summary struct {
	Type   string
	Action string
	Time   *time.Time
	IDs    []string
}

// Validate checks well-formedness first, then the document's structural
// schema. It is a pure function: no side effects, no state between calls.
func Validate(raw []byte) (*Node, *ValidationError) {
	root, err := Parse(raw)
	if err != nil {
		return nil, &ValidationError{
			Code:    CodeMalformedXML,
			Message: CollapseWhitespace(err.Error()),
		}
	}

	if err := checkSchema(root); err != nil {
		return nil, &ValidationError{
			Code:    CodeSchemaViolation,
			Message: CollapseWhitespace(err.Error()),
		}
	}

	return root, nil
}

// checkSchema verifies the EPCIS envelope structure the pipeline depends on
func checkSchema(root *Node) error {
	var problems []string

	if root.Name != "EPCISDocument" {
		problems = append(problems, fmt.Sprintf("root element must be EPCISDocument, found %s", root.Name))
	}
	if _, ok := root.Attrs["schemaVersion"]; !ok {
		problems = append(problems, "missing required attribute schemaVersion")
	}
	if _, ok := root.Attrs["creationDate"]; !ok {
		problems = append(problems, "missing required attribute creationDate")
	}

	body := root.Child("EPCISBody")
	if body == nil {
		problems = append(problems, "missing EPCISBody element")
	} else if body.Child("EventList") == nil {
		problems = append(problems, "missing EventList element under EPCISBody")
	}

	if len(problems) > 0 {
		return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Extract applies the event-shape policy checks and pulls out the metadata
// the pipeline needs. The aggregation check has priority over the count
// check: a document carrying an aggregation event anywhere under the event
// list is rejected no matter how many events are present.
func Extract(root *Node) (*Summary, *ValidationError) {
	eventList := root.Child("EPCISBody").Child("EventList")

	aggregation := false
	eventList.Walk(func(n *Node) {
		if n.Name == "AggregationEvent" {
			aggregation = true
		}
	})
	if aggregation {
		return nil, &ValidationError{
			Code:    CodeAggregationEvent,
			Message: MsgAggregationNotSupported,
		}
	}

	events := eventList.Children
	if len(events) != 1 {
		return nil, countError(len(events))
	}

	event := events[0]
	if event.Name == "extension" {
		// Extension-wrapped shape: the real event is the extension's sole child
		if len(event.Children) == 0 {
			return nil, countError(0)
		}
		event = event.Children[0]
	}

	summary := &Summary{
		// "ObjectEvent" -> "object"
		Type: strings.ReplaceAll(strings.ToLower(event.Name), "event", ""),
	}

	if action := event.Child("action"); action != nil {
		summary.Action = strings.ToLower(action.InnerText())
	}

	if eventTime := event.Child("eventTime"); eventTime != nil {
		if t, err := time.Parse(time.RFC3339, eventTime.InnerText()); err == nil {
			summary.Time = &t
		}
	}

	// Best-effort searchable identifiers: every epc field anywhere under the
	// event, plus parentID when present
	event.Walk(func(n *Node) {
		switch n.Name {
		case "epc", "parentID":
			if text := n.InnerText(); text != "" {
				summary.IDs = append(summary.IDs, text)
			}
		}
	})

	return summary, nil
}

// SummaryFrom re-derives event metadata from a document view. It runs after
// redaction so stored and indexed values reflect only what survived; a field
// removed from the document comes back empty here too. The event type is
// structural, not a field, so callers carry it over from the validated
// original.
func SummaryFrom(d Document) *Summary {
	summary := &Summary{
		IDs: d.Collect("epc", "parentID"),
	}

	if actions := d.Collect("action"); len(actions) > 0 {
		summary.Action = strings.ToLower(actions[0])
	}

	if times := d.Collect("eventTime"); len(times) > 0 {
		if t, err := time.Parse(time.RFC3339, times[0]); err == nil {
			summary.Time = &t
		}
	}

	return summary
}

func countError(found int) *ValidationError {
	return &ValidationError{
		Code:    CodeEventCount,
		Message: fmt.Sprintf("Wrong number of events in XML payload. Found %d. Expected 1.", found),
	}
}

// CollapseWhitespace folds embedded newlines and tabs into single spaces so
// validation messages are safe to transport in a JSON response
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
