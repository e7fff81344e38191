package engine

import (
	"encoding/json"
	"fmt"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// NotesSeparator is the line inserted between release-notes fragments
// contributed by different plugins.
const NotesSeparator = "\n\n---\n\n"

// slotPolicy controls how repeated writes to a slot are handled.
type slotPolicy int

const (
	// policyWriteOnce rejects a second write as a Logic failure.
	policyWriteOnce slotPolicy = iota

	// policyAppendText concatenates string values in write order with a
	// separator line.
	policyAppendText

	// policyAppendList accumulates list values in write order.
	policyAppendList
)

var slotPolicies = map[string]slotPolicy{
	protocol.SlotReleaseNotes:     policyAppendText,
	protocol.SlotFilesChanged:     policyAppendList,
	protocol.SlotPublishedTargets: policyAppendList,
}

// Bus is the keyed store carrying values between pipeline steps. Slots are
// write-once unless declared append; it lives for exactly one run.
type Bus struct {
	values map[string]json.RawMessage
}

// NewBus creates an empty Data Bus.
func NewBus() *Bus {
	return &Bus{values: make(map[string]json.RawMessage)}
}

// Write stores a raw JSON value in a slot, applying the slot's policy.
func (b *Bus) Write(slot string, value json.RawMessage) error {
	switch slotPolicies[slot] {
	case policyAppendText:
		return b.appendText(slot, value)
	case policyAppendList:
		return b.appendList(slot, value)
	default:
		if _, exists := b.values[slot]; exists {
			return NewLogicError(fmt.Sprintf("slot %q written twice", slot), nil)
		}
		b.values[slot] = value
		return nil
	}
}

// WriteValue JSON-encodes value and stores it in a slot.
func (b *Bus) WriteValue(slot string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return NewLogicError(fmt.Sprintf("failed to encode slot %q", slot), err)
	}
	return b.Write(slot, data)
}

func (b *Bus) appendText(slot string, value json.RawMessage) error {
	var fragment string
	if err := json.Unmarshal(value, &fragment); err != nil {
		return NewLogicError(fmt.Sprintf("slot %q expects text", slot), err)
	}

	accumulated := fragment
	if existing, ok := b.values[slot]; ok {
		var current string
		if err := json.Unmarshal(existing, &current); err != nil {
			return NewLogicError(fmt.Sprintf("slot %q holds malformed text", slot), err)
		}
		accumulated = current + NotesSeparator + fragment
	}

	data, err := json.Marshal(accumulated)
	if err != nil {
		return NewLogicError(fmt.Sprintf("failed to encode slot %q", slot), err)
	}
	b.values[slot] = data
	return nil
}

func (b *Bus) appendList(slot string, value json.RawMessage) error {
	var items []string
	if err := json.Unmarshal(value, &items); err != nil {
		return NewLogicError(fmt.Sprintf("slot %q expects a list of strings", slot), err)
	}

	var accumulated []string
	if existing, ok := b.values[slot]; ok {
		if err := json.Unmarshal(existing, &accumulated); err != nil {
			return NewLogicError(fmt.Sprintf("slot %q holds a malformed list", slot), err)
		}
	}
	accumulated = append(accumulated, items...)

	data, err := json.Marshal(accumulated)
	if err != nil {
		return NewLogicError(fmt.Sprintf("failed to encode slot %q", slot), err)
	}
	b.values[slot] = data
	return nil
}

// Read returns the raw value of a slot and whether it was written.
func (b *Bus) Read(slot string) (json.RawMessage, bool) {
	value, ok := b.values[slot]
	return value, ok
}

// ReadString decodes a string slot. It returns false when the slot was
// never written.
func (b *Bus) ReadString(slot string) (string, bool, error) {
	raw, ok := b.values[slot]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, NewLogicError(fmt.Sprintf("slot %q holds malformed text", slot), err)
	}
	return s, true, nil
}

// ReadStringList decodes a list slot. A never-written slot reads as an
// empty list.
func (b *Bus) ReadStringList(slot string) ([]string, error) {
	raw, ok := b.values[slot]
	if !ok {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, NewLogicError(fmt.Sprintf("slot %q holds a malformed list", slot), err)
	}
	return items, nil
}

// ReadRelease decodes the last_release slot.
func (b *Bus) ReadRelease() (*protocol.Release, bool, error) {
	raw, ok := b.values[protocol.SlotLastRelease]
	if !ok {
		return nil, false, nil
	}
	var release protocol.Release
	if err := json.Unmarshal(raw, &release); err != nil {
		return nil, false, NewLogicError("slot last_release holds a malformed release", err)
	}
	return &release, true, nil
}

// View returns a copy of the named slots, omitting those never written.
// The copy is what a step request carries; plugins cannot reach slots
// outside their declared inputs.
func (b *Bus) View(slots []string) map[string]json.RawMessage {
	view := make(map[string]json.RawMessage, len(slots))
	for _, slot := range slots {
		if value, ok := b.values[slot]; ok {
			view[slot] = value
		}
	}
	if len(view) == 0 {
		return nil
	}
	return view
}
