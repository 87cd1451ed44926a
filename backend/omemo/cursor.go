// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package omemo

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// EventKind says what a Cursor step landed on.
type EventKind int

const (
	OpenTag EventKind = iota + 1
	CloseTag
	// Other covers character data, comments, processing instructions and
	// directives.
	Other
)

// Event is a single step of a Cursor. Name is the element's local name for
// OpenTag and CloseTag events and empty otherwise.
type Event struct {
	Kind  EventKind
	Name  string
	Space string
}

// Cursor is a pull-style view over a streaming XML document.
type Cursor interface {
	// Next advances to the next event.
	Next() (Event, error)
	// Attr returns an attribute of the most recent OpenTag event.
	Attr(name string) (string, bool)
	// Text reads the text content of the element opened by the most recent
	// OpenTag event and advances past its close tag.
	Text() (string, error)
}

// XMLCursor adapts an encoding/xml Decoder to Cursor. The caller is expected
// to have already read the StartElement of the element being decoded.
type XMLCursor struct {
	d     *xml.Decoder
	attrs []xml.Attr
}

// NewXMLCursor returns a cursor positioned after d's last token.
func NewXMLCursor(d *xml.Decoder) *XMLCursor {
	return &XMLCursor{d: d}
}

func (c *XMLCursor) Next() (Event, error) {
	c.attrs = nil

	tok, err := c.d.Token()
	if err != nil {
		return Event{}, err
	}

	switch t := tok.(type) {
	case xml.StartElement:
		c.attrs = t.Attr
		return Event{Kind: OpenTag, Name: t.Name.Local, Space: t.Name.Space}, nil
	case xml.EndElement:
		return Event{Kind: CloseTag, Name: t.Name.Local, Space: t.Name.Space}, nil
	default:
		return Event{Kind: Other}, nil
	}
}

func (c *XMLCursor) Attr(name string) (string, bool) {
	for _, a := range c.attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (c *XMLCursor) Text() (string, error) {
	c.attrs = nil

	var text strings.Builder
	for {
		tok, err := c.d.Token()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			return text.String(), nil
		case xml.StartElement:
			return "", fmt.Errorf("unexpected element <%s> in text content", t.Name.Local)
		}
	}
}
