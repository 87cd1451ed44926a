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
	"errors"
	"fmt"
)

// ErrorKind classifies a bundle parse failure.
type ErrorKind int

const (
	// MalformedInput means the underlying XML stream failed while advancing.
	MalformedInput ErrorKind = iota + 1
	// InvalidEncoding means a Base64 payload did not decode.
	InvalidEncoding
	// InvalidAttribute means an id attribute was not a valid key id,
	// or was missing while decoding strictly.
	InvalidAttribute
)

var (
	ErrMalformedInput   = errors.New("omemo: malformed input")
	ErrInvalidEncoding  = errors.New("omemo: invalid encoding")
	ErrInvalidAttribute = errors.New("omemo: invalid attribute")
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case InvalidEncoding:
		return "invalid_encoding"
	case InvalidAttribute:
		return "invalid_attribute"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case MalformedInput:
		return ErrMalformedInput
	case InvalidEncoding:
		return ErrInvalidEncoding
	case InvalidAttribute:
		return ErrInvalidAttribute
	}
	return nil
}

// ParseError is returned by every failing decode. Element and Attr name the
// offending element and attribute when known.
type ParseError struct {
	Kind    ErrorKind
	Element string
	Attr    string
	Err     error
}

func (e *ParseError) Error() string {
	msg := "omemo: parse error"
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Element != "" {
		msg += " in <" + e.Element + ">"
	}
	if e.Attr != "" {
		msg += " attribute " + e.Attr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a ParseError against the kind sentinels.
func (e *ParseError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func malformed(element string, err error) error {
	return &ParseError{Kind: MalformedInput, Element: element, Err: err}
}

func badEncoding(element string, err error) error {
	return &ParseError{Kind: InvalidEncoding, Element: element, Err: err}
}

func badAttribute(element, attr string, err error) error {
	return &ParseError{Kind: InvalidAttribute, Element: element, Attr: attr, Err: err}
}
