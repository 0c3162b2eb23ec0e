package epcis

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Node is one element of a parsed XML document. Elements and attributes are
// keyed by local name; namespace URIs are dropped so the same document shape
// is seen regardless of prefix choices.
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
	Text     string
}

// Document is the JSON-shaped view of a parsed XML document: element names
// map to a string (leaf), a nested map, or a list when siblings repeat.
// Attributes are kept under "@"-prefixed keys and mixed text under "#text".
type Document map[string]interface{}

// Parse reads raw bytes into a Node tree. Any tokenization failure means the
// document is not well-formed XML.
func Parse(raw []byte) (*Node, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))

	var root *Node
	var stack []*Node

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "malformed XML")
		}

		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{
				Name:  t.Name.Local,
				Attrs: make(map[string]string, len(t.Attr)),
			}
			for _, attr := range t.Attr {
				node.Attrs[attr.Name.Local] = attr.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("malformed XML: multiple root elements")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("malformed XML: unexpected end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, errors.New("malformed XML: no root element")
	}
	if len(stack) != 0 {
		return nil, errors.New("malformed XML: unterminated element")
	}

	return root, nil
}

// Child returns the first element child with the given name
func (n *Node) Child(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// InnerText returns the element's own character data, trimmed
func (n *Node) InnerText() string {
	return strings.TrimSpace(n.Text)
}

// Walk visits the node and every descendant in document order
func (n *Node) Walk(visit func(*Node)) {
	visit(n)
	for _, child := range n.Children {
		child.Walk(visit)
	}
}

// ToDocument converts the node tree into its JSON-shaped Document view,
// rooted at the node's own name.
func ToDocument(root *Node) Document {
	return Document{root.Name: nodeValue(root)}
}

func nodeValue(n *Node) interface{} {
	if len(n.Children) == 0 && len(n.Attrs) == 0 {
		return n.InnerText()
	}

	value := make(map[string]interface{})
	for name, attr := range n.Attrs {
		value["@"+name] = attr
	}
	if text := n.InnerText(); text != "" {
		value["#text"] = text
	}
	for _, child := range n.Children {
		childValue := nodeValue(child)
		existing, ok := value[child.Name]
		if !ok {
			value[child.Name] = childValue
			continue
		}
		// Repeated sibling: promote to a list
		if list, isList := existing.([]interface{}); isList {
			value[child.Name] = append(list, childValue)
		} else {
			value[child.Name] = []interface{}{existing, childValue}
		}
	}
	return value
}

// Collect returns every string value stored under the named keys anywhere
// in the document. Map keys are visited in sorted order; list elements keep
// their order.
func (d Document) Collect(names ...string) []string {
	var values []string
	collectValues(map[string]interface{}(d), names, &values)
	return values
}

func collectValues(value interface{}, names []string, out *[]string) {
	switch v := value.(type) {
	case map[string]interface{}:
		for _, key := range sortedKeys(v) {
			matched := false
			for _, name := range names {
				if key == name {
					matched = true
					break
				}
			}
			if matched {
				appendTexts(v[key], out)
			} else {
				collectValues(v[key], names, out)
			}
		}
	case []interface{}:
		for _, item := range v {
			collectValues(item, names, out)
		}
	}
}

func appendTexts(value interface{}, out *[]string) {
	switch v := value.(type) {
	case string:
		if v != "" {
			*out = append(*out, v)
		}
	case []interface{}:
		for _, item := range v {
			appendTexts(item, out)
		}
	case map[string]interface{}:
		if text, ok := v["#text"].(string); ok && text != "" {
			*out = append(*out, text)
		}
	}
}

// Clone deep-copies a document through a JSON round trip so redaction can
// mutate the copy without touching the original.
func (d Document) Clone() (Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal document for cloning")
	}
	var clone Document
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal document clone")
	}
	return clone, nil
}

// JSON renders the document as a compact JSON string
func (d Document) JSON() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal document")
	}
	return string(raw), nil
}

// XML renders the document back to an XML string. An empty or rootless
// document renders to "", which callers treat as the corrupted-redaction
// sentinel.
func (d Document) XML() string {
	if len(d) == 0 {
		return ""
	}

	var buf bytes.Buffer
	for _, name := range sortedKeys(map[string]interface{}(d)) {
		writeXMLValue(&buf, name, d[name])
	}
	return buf.String()
}

func writeXMLValue(buf *bytes.Buffer, name string, value interface{}) {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			writeXMLValue(buf, name, item)
		}
	case map[string]interface{}:
		buf.WriteString("<" + name)
		keys := sortedKeys(v)
		for _, key := range keys {
			if strings.HasPrefix(key, "@") {
				fmt.Fprintf(buf, " %s=%q", key[1:], v[key])
			}
		}
		buf.WriteString(">")
		if text, ok := v["#text"].(string); ok {
			xml.EscapeText(buf, []byte(text))
		}
		for _, key := range keys {
			if strings.HasPrefix(key, "@") || key == "#text" {
				continue
			}
			writeXMLValue(buf, key, v[key])
		}
		buf.WriteString("</" + name + ">")
	case string:
		buf.WriteString("<" + name + ">")
		xml.EscapeText(buf, []byte(v))
		buf.WriteString("</" + name + ">")
	default:
		fmt.Fprintf(buf, "<%s>%v</%s>", name, v, name)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
