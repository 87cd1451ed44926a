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
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
)

// Encode writes b as a <bundle> element in the axolotl namespace.
func Encode(w io.Writer, b *KeyBundle) error {
	return xml.NewEncoder(w).Encode(b)
}

// Marshal returns the XML encoding of b.
func Marshal(b *KeyBundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalXML always writes a bundle element, whatever start names. Children
// come in a fixed order with pre-keys sorted by id; absent fields are left out.
func (b *KeyBundle) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: Namespace, Local: tagBundle}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}

	if b.HasSignedPreKey() {
		spk := element(tagSignedPreKeyPublic, attrSignedPreKeyID, b.signedPreKeyID)
		if err := encodeKey(e, spk, b.signedPreKey); err != nil {
			return err
		}
	}
	if b.signedPreKeySignature != nil {
		if err := encodeKey(e, element(tagSignedPreKeySignature, "", 0), b.signedPreKeySignature); err != nil {
			return err
		}
	}
	if b.identityKey != nil {
		if err := encodeKey(e, element(tagIdentityKey, "", 0), b.identityKey); err != nil {
			return err
		}
	}

	preKeys := element(tagPreKeys, "", 0)
	if err := e.EncodeToken(preKeys); err != nil {
		return err
	}
	for _, id := range b.PreKeyIDs() {
		if err := encodeKey(e, element(tagPreKeyPublic, attrPreKeyID, id), b.preKeys[id]); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(preKeys.End()); err != nil {
		return err
	}

	return e.EncodeToken(start.End())
}

func element(name, idAttr string, id int) xml.StartElement {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	if idAttr != "" {
		start.Attr = []xml.Attr{{Name: xml.Name{Local: idAttr}, Value: strconv.Itoa(id)}}
	}
	return start
}

func encodeKey(e *xml.Encoder, start xml.StartElement, key []byte) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(base64.StdEncoding.EncodeToString(key))); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}
