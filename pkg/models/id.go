package models

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"
)

// newID mints a sortable identifier: prefix, a compact UTC timestamp, and
// 80 bits of randomness encoded as unpadded lowercase base32.
func newID(prefix string) string {
	var b [10]byte
	_, _ = rand.Read(b[:])
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
	return prefix + "_" + time.Now().UTC().Format("20060102t150405z") + "_" + strings.ToLower(enc)
}

func NewRunID() string        { return newID("run") }
func NewStepID() string       { return newID("step") }
func NewSessionID() string    { return newID("sess") }
func NewMessageID() string    { return newID("msg") }
func NewTurnID() string       { return newID("turn") }
func NewToolCallID() string   { return newID("call") }
func NewAttachmentID() string { return newID("att") }
