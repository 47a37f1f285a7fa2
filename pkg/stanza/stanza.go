package stanza

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var (
	ErrEmptyStanza     = errors.New("empty stanza")
	ErrMalformedStanza = errors.New("malformed stanza")
	ErrMalformedSASL   = errors.New("malformed SASL payload")
	ErrStanzaTooDeep   = errors.New("stanza nesting too deep")
)

// MaxDepth bounds element nesting. Real traffic never exceeds 4 levels;
// anything deeper is a hostile or broken client.
const MaxDepth = 16

// Element is a single parsed stanza: a name, flat string attributes,
// optional character data, and child elements in document order.
type Element struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Element
}

// New creates an element with the given name and attribute pairs.
// Panics on an odd number of pairs (programmer error, not input error).
func New(name string, attrPairs ...string) *Element {
	if len(attrPairs)%2 != 0 {
		panic("stanza.New: odd attribute pair count")
	}
	el := &Element{Name: name, Attrs: make(map[string]string, len(attrPairs)/2)}
	for i := 0; i < len(attrPairs); i += 2 {
		el.Attrs[attrPairs[i]] = attrPairs[i+1]
	}
	return el
}

// Attr returns the attribute value, or "" when absent.
func (e *Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// SetAttr sets an attribute, allocating the map on first use.
func (e *Element) SetAttr(name, value string) *Element {
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[name] = value
	return e
}

// Child returns the first child with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the character data of the first child with the given
// name, or "" when the child is absent.
func (e *Element) ChildText(name string) string {
	if c := e.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// Add appends a child element and returns the parent for chaining.
func (e *Element) Add(child *Element) *Element {
	e.Children = append(e.Children, child)
	return e
}

// AddText appends a child carrying only character data.
func (e *Element) AddText(name, text string) *Element {
	return e.Add(&Element{Name: name, Text: text})
}

// Render serializes the element to its wire form.
func (e *Element) Render() string {
	var buf bytes.Buffer
	e.render(&buf)
	return buf.String()
}

func (e *Element) render(buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(e.Name)
	for _, k := range sortedAttrKeys(e.Attrs) {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(e.Attrs[k]))
		buf.WriteByte('"')
	}
	if e.Text == "" && len(e.Children) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if e.Text != "" {
		xml.EscapeText(buf, []byte(e.Text))
	}
	for _, c := range e.Children {
		c.render(buf)
	}
	buf.WriteString("</")
	buf.WriteString(e.Name)
	buf.WriteByte('>')
}

// sortedAttrKeys yields attribute names in deterministic order so rendered
// output is stable for tests and logs.
func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse decodes a single stanza from its textual form.
func Parse(data string) (*Element, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrEmptyStanza
	}

	// Stream opens arrive as unterminated "<stream:stream ...>" headers.
	// Detect and parse them as self-contained elements.
	if isStreamHeader(data) {
		return parseStreamHeader(data)
	}

	dec := xml.NewDecoder(strings.NewReader(data))
	return parseElement(dec, 0)
}

func parseElement(dec *xml.Decoder, depth int) (*Element, error) {
	if depth > MaxDepth {
		return nil, ErrStanzaTooDeep
	}

	var root *Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if root == nil {
				return nil, ErrEmptyStanza
			}
			return nil, ErrMalformedStanza
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: qualifiedName(t.Name)}
			for _, a := range t.Attr {
				el.SetAttr(qualifiedName(a.Name), a.Value)
			}
			if err := parseInto(dec, el, depth+1); err != nil {
				return nil, err
			}
			return el, nil
		case xml.CharData:
			// Whitespace between stanzas (keepalives); skip.
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, ErrMalformedStanza
			}
		case xml.ProcInst, xml.Comment, xml.Directive:
			// Prologue noise; skip.
		}
	}
}

// parseInto consumes tokens until el's end tag, populating text and children.
func parseInto(dec *xml.Decoder, el *Element, depth int) error {
	if depth > MaxDepth {
		return ErrStanzaTooDeep
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedStanza, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &Element{Name: qualifiedName(t.Name)}
			for _, a := range t.Attr {
				child.SetAttr(qualifiedName(a.Name), a.Value)
			}
			if err := parseInto(dec, child, depth+1); err != nil {
				return err
			}
			el.Children = append(el.Children, child)
		case xml.EndElement:
			return nil
		case xml.CharData:
			el.Text += string(t)
		}
	}
}

func qualifiedName(n xml.Name) string {
	// The stanza layer keeps prefixes literal ("stream:stream") rather than
	// resolving namespaces; handlers match on the prefixed names clients send.
	if n.Space == "" {
		return n.Local
	}
	switch n.Space {
	case "stream", "http://etherx.jabber.org/streams":
		return "stream:" + n.Local
	}
	return n.Local
}

func isStreamHeader(data string) bool {
	trimmed := strings.TrimPrefix(data, "<?xml")
	if idx := strings.Index(trimmed, "?>"); strings.HasPrefix(data, "<?xml") && idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[idx+2:])
	} else {
		trimmed = data
	}
	return strings.HasPrefix(trimmed, "<stream:stream") && !strings.Contains(trimmed, "</stream:stream>")
}

// parseStreamHeader closes the dangling header so the decoder accepts it.
func parseStreamHeader(data string) (*Element, error) {
	if idx := strings.Index(data, "?>"); strings.HasPrefix(data, "<?xml") && idx >= 0 {
		data = strings.TrimSpace(data[idx+2:])
	}
	closed := data
	if strings.HasSuffix(data, "/>") {
		// Already self-closed.
	} else if strings.HasSuffix(data, ">") {
		closed = data + "</stream:stream>"
	} else {
		return nil, ErrMalformedStanza
	}
	dec := xml.NewDecoder(strings.NewReader(closed))
	return parseElement(dec, 0)
}

// StreamClose is the terminator clients send (or receive) to end a stream.
const StreamClose = "</stream:stream>"

// StreamNamespace is the XML namespace of stream-level elements.
const StreamNamespace = "http://etherx.jabber.org/streams"

// RenderOpen serializes only the element's open tag, unterminated. Stream
// headers go on the wire this way; the matching close is StreamClose.
func (e *Element) RenderOpen() string {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(e.Name)
	for _, k := range sortedAttrKeys(e.Attrs) {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteString(`="`)
		xml.EscapeText(&buf, []byte(e.Attrs[k]))
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
	return buf.String()
}

// MakeJID builds a full JID from its parts.
func MakeJID(account, domain, resource string) string {
	if resource == "" {
		return account + "@" + domain
	}
	return account + "@" + domain + "/" + resource
}

// BareJID strips the resource from a JID.
func BareJID(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// AccountID extracts the local part of a JID ("account@domain/res" -> "account").
func AccountID(jid string) string {
	bare := BareJID(jid)
	if idx := strings.IndexByte(bare, '@'); idx >= 0 {
		return bare[:idx]
	}
	return bare
}

// Resource extracts the resource part of a JID, or "".
func Resource(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[idx+1:]
	}
	return ""
}

// Domain extracts the domain part of a JID, or "".
func Domain(jid string) string {
	bare := BareJID(jid)
	if idx := strings.IndexByte(bare, '@'); idx >= 0 {
		return bare[idx+1:]
	}
	return ""
}

// PlainCredentials is a decoded SASL PLAIN payload.
type PlainCredentials struct {
	Authzid   string
	AccountID string
	Token     string
}

// DecodePlain decodes a base64 SASL PLAIN payload: three NUL-delimited
// fields [authzid, accountId, token]. The token field is opaque here; the
// session layer decides whether to check it.
func DecodePlain(payload string) (*PlainCredentials, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSASL, err)
	}
	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 {
		return nil, ErrMalformedSASL
	}
	creds := &PlainCredentials{
		Authzid:   string(parts[0]),
		AccountID: string(parts[1]),
		Token:     string(parts[2]),
	}
	if creds.AccountID == "" {
		return nil, ErrMalformedSASL
	}
	return creds, nil
}

// EncodePlain is the inverse of DecodePlain, used by tests and tooling.
func EncodePlain(authzid, accountID, token string) string {
	raw := strings.Join([]string{authzid, accountID, token}, "\x00")
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
