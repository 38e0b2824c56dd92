// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package coap

import "fmt"

// CoAP codes, encoded as (class<<5)|detail per RFC 7252 §3.
const (
	CodeGET        = 0<<5 | 1
	CodePOST       = 0<<5 | 2
	CodeContent    = 2<<5 | 5
	CodeChanged    = 2<<5 | 4
	CodeBadRequest = 4<<5 | 0
)

// MessageDef binds a symbolic message name used throughout the Handshake,
// DeviceSession, and Flasher layers to its wire-level CoAP code and URI
// path. This table must be imported verbatim by any reimplementation
// wishing to preserve wire compatibility with deployed device firmware; the
// exact values below are fixed protocol constants, not a design choice of
// this package.
type MessageDef struct {
	Name string
	Code uint8
	Path string
	Type Type
}

// Messages is the symbolic-name -> wire-format table for every CoAP message
// this server produces or consumes.
var Messages = []MessageDef{
	{Name: "Hello", Code: CodePOST, Path: "h", Type: TypeConfirmable},
	{Name: "Describe", Code: CodeGET, Path: "d", Type: TypeConfirmable},
	{Name: "UpdateBegin", Code: CodePOST, Path: "u", Type: TypeConfirmable},
	{Name: "UpdateReady", Code: CodeChanged, Path: "u", Type: TypeAcknowledge},
	{Name: "UpdateAbort", Code: CodeBadRequest, Path: "u", Type: TypeAcknowledge},
	{Name: "Chunk", Code: CodePOST, Path: "c", Type: TypeConfirmable},
	{Name: "ChunkReceived", Code: CodeChanged, Path: "c", Type: TypeAcknowledge},
	{Name: "ChunkMissed", Code: CodePOST, Path: "cm", Type: TypeNonConfirmable},
	{Name: "ChunkMissedAck", Code: CodeChanged, Path: "cm", Type: TypeAcknowledge},
	{Name: "UpdateDone", Code: CodePOST, Path: "ud", Type: TypeConfirmable},
	{Name: "FunctionCall", Code: CodePOST, Path: "f", Type: TypeConfirmable},
	{Name: "FunctionReturn", Code: CodeChanged, Path: "f", Type: TypeAcknowledge},
	{Name: "VariableRequest", Code: CodeGET, Path: "v", Type: TypeConfirmable},
	{Name: "VariableValue", Code: CodeContent, Path: "v", Type: TypeAcknowledge},
	{Name: "SignalStart", Code: CodePOST, Path: "s", Type: TypeConfirmable},
	{Name: "SignalStartReturn", Code: CodeChanged, Path: "s", Type: TypeAcknowledge},
	{Name: "Event", Code: CodePOST, Path: "e", Type: TypeNonConfirmable},
	{Name: "Subscribe", Code: CodeGET, Path: "e", Type: TypeConfirmable},
	{Name: "KeyChange", Code: CodePOST, Path: "k", Type: TypeConfirmable},
	{Name: "PrivateEvent", Code: CodePOST, Path: "e/private", Type: TypeNonConfirmable},
	{Name: "PublicEvent", Code: CodePOST, Path: "e/public", Type: TypeNonConfirmable},
	{Name: "GetTime", Code: CodeGET, Path: "t", Type: TypeConfirmable},
	{Name: "Ping", Code: CodePOST, Path: "p", Type: TypeConfirmable},
	{Name: "SocketPing", Code: CodePOST, Path: "sp", Type: TypeNonConfirmable},
}

var (
	byName = make(map[string]MessageDef, len(Messages))
	byCode = make(map[codePathKey]MessageDef, len(Messages))
)

type codePathKey struct {
	code uint8
	path string
}

func init() {
	for _, def := range Messages {
		byName[def.Name] = def
		byCode[codePathKey{code: def.Code, path: def.Path}] = def
	}
}

// ByName looks up a message definition by its symbolic name.
func ByName(name string) (MessageDef, bool) {
	def, ok := byName[name]
	return def, ok
}

// ByCodeAndPath looks up a message definition by its wire-level code and
// URI path, used when dispatching an inbound message to a symbolic name.
func ByCodeAndPath(code uint8, path string) (MessageDef, bool) {
	def, ok := byCode[codePathKey{code: code, path: path}]
	return def, ok
}

// NameOf returns the symbolic name for an inbound message, or an error
// naming the unrecognised (code, path) pair.
func NameOf(m *Message) (string, error) {
	def, ok := ByCodeAndPath(m.Code, m.URIPath())
	if !ok {
		return "", fmt.Errorf("coap: no symbolic message for code %#x path %q", m.Code, m.URIPath())
	}
	return def.Name, nil
}
