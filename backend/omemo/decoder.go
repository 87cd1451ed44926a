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
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	errMissingAttribute = errors.New("attribute missing")
	errNoBundle         = errors.New("no bundle element found")
)

// Decoder turns a <bundle> element into a KeyBundle.
//
// By default a signedPreKeyPublic or preKeyPublic element without its id
// attribute is skipped. A strict Decoder rejects it with InvalidAttribute.
type Decoder struct {
	strict bool
}

type Option func(*Decoder)

// WithStrict makes missing id attributes a decode failure.
func WithStrict(strict bool) Option {
	return func(d *Decoder) {
		d.strict = strict
	}
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decodes with the default lenient policy.
func Decode(c Cursor) (*KeyBundle, error) {
	return NewDecoder().Decode(c)
}

// Decode consumes the children of the bundle element the cursor is on,
// through the bundle's own close tag. Nothing past that tag is read. On
// failure the error is a *ParseError and no bundle is returned.
func (d *Decoder) Decode(c Cursor) (*KeyBundle, error) {
	b := &KeyBundle{
		signedPreKeyID: NoSignedPreKeyID,
		preKeys:        make(map[int][]byte),
	}

	// depth counts open elements below the bundle. Once a prekeys container
	// has been opened, preKeyPublic is accepted anywhere in the bundle.
	depth, inPreKeys := 0, false

	for {
		ev, err := c.Next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, malformed(tagBundle, err)
		}

		switch ev.Kind {
		case CloseTag:
			if depth == 0 {
				return b, nil
			}
			depth--

		case OpenTag:
			consumed, err := d.openTag(c, ev.Name, inPreKeys, b)
			if err != nil {
				return nil, err
			}
			if consumed {
				continue
			}
			depth++
			if ev.Name == tagPreKeys {
				inPreKeys = true
			}
		}
	}
}

// openTag handles one child element. It reports whether the element was read
// through its close tag.
func (d *Decoder) openTag(c Cursor, name string, inPreKeys bool, b *KeyBundle) (bool, error) {
	switch {
	case name == tagSignedPreKeyPublic:
		id, ok, err := d.keyID(c, name, attrSignedPreKeyID)
		if err != nil || !ok {
			return false, err
		}
		key, err := readKey(c, name)
		if err != nil {
			return false, err
		}
		b.signedPreKeyID, b.signedPreKey = id, key
		return true, nil

	case name == tagSignedPreKeySignature:
		sig, err := readKey(c, name)
		if err != nil {
			return false, err
		}
		b.signedPreKeySignature = sig
		return true, nil

	case name == tagIdentityKey:
		key, err := readKey(c, name)
		if err != nil {
			return false, err
		}
		b.identityKey = key
		return true, nil

	case name == tagPreKeyPublic && inPreKeys:
		id, ok, err := d.keyID(c, name, attrPreKeyID)
		if err != nil || !ok {
			return false, err
		}
		key, err := readKey(c, name)
		if err != nil {
			return false, err
		}
		// A repeated id replaces the earlier entry.
		b.preKeys[id] = key
		return true, nil
	}
	return false, nil
}

// keyID reads and validates an id attribute. ok is false when the attribute
// is absent and the decoder is lenient.
func (d *Decoder) keyID(c Cursor, element, attr string) (id int, ok bool, err error) {
	raw, found := c.Attr(attr)
	if !found {
		if d.strict {
			return 0, false, badAttribute(element, attr, errMissingAttribute)
		}
		return 0, false, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 31)
	if err != nil {
		return 0, false, badAttribute(element, attr, err)
	}
	return int(n), true, nil
}

func readKey(c Cursor, element string) ([]byte, error) {
	text, err := c.Text()
	if err != nil {
		return nil, malformed(element, err)
	}
	key, err := base64.StdEncoding.DecodeString(stripSpace(text))
	if err != nil {
		return nil, badEncoding(element, err)
	}
	return key, nil
}

// stripSpace drops the line breaks and indentation pretty-printed payloads
// carry.
func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// ParseBundle reads r up to the first bundle element, in any namespace, and
// decodes it.
func ParseBundle(r io.Reader, opts ...Option) (*KeyBundle, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, malformed(tagBundle, errNoBundle)
		}
		if err != nil {
			return nil, malformed(tagBundle, err)
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == tagBundle {
			return NewDecoder(opts...).Decode(NewXMLCursor(dec))
		}
	}
}

// UnmarshalXML lets a KeyBundle be embedded in larger encoding/xml structs.
// It uses the lenient policy.
func (b *KeyBundle) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded, err := Decode(NewXMLCursor(d))
	if err != nil {
		return err
	}
	*b = *decoded
	return nil
}
