// Package widgets models the renderable UI trees attached to thread items
// and computes minimal update deltas between two snapshots of the same tree.
package widgets

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Node is the closed widget tree union: containers (Card, Box, Row, Col)
// holding children, and text leaves (Text, Markdown, Title). Every node has a
// type plus optional id and key; Text and Markdown leaves can stream their
// value incrementally.
type Node interface {
	NodeType() string
	NodeID() string
	NodeKey() string
	isWidgetNode()
}

// Container kinds.
const (
	KindCard = "Card"
	KindBox  = "Box"
	KindRow  = "Row"
	KindCol  = "Col"
)

// Leaf kinds.
const (
	KindText     = "Text"
	KindMarkdown = "Markdown"
	KindTitle    = "Title"
)

// Action is a client-invokable widget action. Payload is carried verbatim
// back to the server in a threads.action / threads.custom_action request.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Handler string         `json:"handler,omitempty"`
}

// ActionButton pairs a label with its action (Card confirm/cancel slots).
type ActionButton struct {
	Label  string `json:"label"`
	Action Action `json:"action"`
}

// Container is a layout node. Kind selects card/box/row/col semantics;
// Confirm and Cancel are only meaningful on cards.
type Container struct {
	Type       string        `json:"type"`
	ID         string        `json:"id,omitempty"`
	Key        string        `json:"key,omitempty"`
	Padding    int           `json:"padding,omitempty"`
	Gap        int           `json:"gap,omitempty"`
	Radius     string        `json:"radius,omitempty"`
	Background string        `json:"background,omitempty"`
	Align      string        `json:"align,omitempty"`
	Children   []Node        `json:"children"`
	Confirm    *ActionButton `json:"confirm,omitempty"`
	Cancel     *ActionButton `json:"cancel,omitempty"`
}

func (c *Container) NodeType() string { return c.Type }
func (c *Container) NodeID() string   { return c.ID }
func (c *Container) NodeKey() string  { return c.Key }
func (c *Container) isWidgetNode()    {}

func (c *Container) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type       string            `json:"type"`
		ID         string            `json:"id"`
		Key        string            `json:"key"`
		Padding    int               `json:"padding"`
		Gap        int               `json:"gap"`
		Radius     string            `json:"radius"`
		Background string            `json:"background"`
		Align      string            `json:"align"`
		Children   []json.RawMessage `json:"children"`
		Confirm    *ActionButton     `json:"confirm"`
		Cancel     *ActionButton     `json:"cancel"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	children := make([]Node, 0, len(raw.Children))
	for _, cb := range raw.Children {
		child, err := Decode(cb)
		if err != nil {
			return err
		}
		children = append(children, child)
	}
	*c = Container{
		Type:       raw.Type,
		ID:         raw.ID,
		Key:        raw.Key,
		Padding:    raw.Padding,
		Gap:        raw.Gap,
		Radius:     raw.Radius,
		Background: raw.Background,
		Align:      raw.Align,
		Children:   children,
		Confirm:    raw.Confirm,
		Cancel:     raw.Cancel,
	}
	return nil
}

// Text is a plain text leaf. Streaming marks the value as still growing.
type Text struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Streaming bool   `json:"streaming,omitempty"`
	Weight    string `json:"weight,omitempty"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

func (t *Text) NodeType() string { return t.Type }
func (t *Text) NodeID() string   { return t.ID }
func (t *Text) NodeKey() string  { return t.Key }
func (t *Text) isWidgetNode()    {}

// Markdown is a rendered-markdown leaf with the same streaming semantics as
// Text.
type Markdown struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Streaming bool   `json:"streaming,omitempty"`
}

func (m *Markdown) NodeType() string { return m.Type }
func (m *Markdown) NodeID() string   { return m.ID }
func (m *Markdown) NodeKey() string  { return m.Key }
func (m *Markdown) isWidgetNode()    {}

// Title is a static heading leaf.
type Title struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	Size   string `json:"size,omitempty"`
	Weight string `json:"weight,omitempty"`
}

func (t *Title) NodeType() string { return t.Type }
func (t *Title) NodeID() string   { return t.ID }
func (t *Title) NodeKey() string  { return t.Key }
func (t *Title) isWidgetNode()    {}

func NewCard(children ...Node) *Container { return &Container{Type: KindCard, Children: children} }
func NewBox(children ...Node) *Container  { return &Container{Type: KindBox, Children: children} }
func NewRow(children ...Node) *Container  { return &Container{Type: KindRow, Children: children} }
func NewCol(children ...Node) *Container  { return &Container{Type: KindCol, Children: children} }

func NewText(value string) *Text         { return &Text{Type: KindText, Value: value} }
func NewMarkdown(value string) *Markdown { return &Markdown{Type: KindMarkdown, Value: value} }
func NewTitle(value string) *Title       { return &Title{Type: KindTitle, Value: value} }

var ErrUnknownNodeType = errors.New("unknown widget node type")

// Decode parses one widget node by its type tag, recursing into children.
func Decode(raw []byte) (Node, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty widget node")
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case KindCard, KindBox, KindRow, KindCol:
		var c Container
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case KindText:
		var t Text
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case KindMarkdown:
		var m Markdown
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindTitle:
		var t Title
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, probe.Type)
	}
}
