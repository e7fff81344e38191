package engine

import (
	"encoding/json"
	"testing"

	"github.com/releasekit/releasekit/pkg/protocol"
)

func TestBusWriteOnce(t *testing.T) {
	bus := NewBus()

	if err := bus.WriteValue(protocol.SlotNextVersion, "1.2.0"); err != nil {
		t.Fatalf("first write error = %v", err)
	}

	err := bus.WriteValue(protocol.SlotNextVersion, "1.3.0")
	if err == nil {
		t.Fatal("second write expected error, got nil")
	}
	if !IsLogic(err) {
		t.Errorf("second write error kind = %v, want Logic", err)
	}

	got, ok, err := bus.ReadString(protocol.SlotNextVersion)
	if err != nil || !ok {
		t.Fatalf("ReadString() = %v, %v, %v", got, ok, err)
	}
	if got != "1.2.0" {
		t.Errorf("slot value = %s, want the first write to stand", got)
	}
}

func TestBusAppendText(t *testing.T) {
	bus := NewBus()

	for _, fragment := range []string{"## Features\n- new thing", "## Fixes\n- old thing"} {
		if err := bus.WriteValue(protocol.SlotReleaseNotes, fragment); err != nil {
			t.Fatalf("append error = %v", err)
		}
	}

	got, ok, err := bus.ReadString(protocol.SlotReleaseNotes)
	if err != nil || !ok {
		t.Fatalf("ReadString() = %v, %v, %v", got, ok, err)
	}
	want := "## Features\n- new thing" + NotesSeparator + "## Fixes\n- old thing"
	if got != want {
		t.Errorf("release_notes = %q, want %q", got, want)
	}
}

func TestBusAppendList(t *testing.T) {
	bus := NewBus()

	if err := bus.WriteValue(protocol.SlotFilesChanged, []string{"Cargo.toml"}); err != nil {
		t.Fatalf("append error = %v", err)
	}
	if err := bus.WriteValue(protocol.SlotFilesChanged, []string{"CHANGELOG.md", "package.json"}); err != nil {
		t.Fatalf("append error = %v", err)
	}

	got, err := bus.ReadStringList(protocol.SlotFilesChanged)
	if err != nil {
		t.Fatalf("ReadStringList() error = %v", err)
	}
	want := []string{"Cargo.toml", "CHANGELOG.md", "package.json"}
	if len(got) != len(want) {
		t.Fatalf("files_changed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("files_changed[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBusView(t *testing.T) {
	bus := NewBus()
	if err := bus.WriteValue(protocol.SlotLastRelease, protocol.Release{Version: "1.0.0", Revision: "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := bus.WriteValue(protocol.SlotNextVersion, "1.1.0"); err != nil {
		t.Fatal(err)
	}

	view := bus.View([]string{protocol.SlotNextVersion, protocol.SlotReleaseNotes})
	if len(view) != 1 {
		t.Fatalf("view has %d slots, want 1", len(view))
	}
	if _, ok := view[protocol.SlotNextVersion]; !ok {
		t.Error("view is missing next_version")
	}
	if _, ok := view[protocol.SlotLastRelease]; ok {
		t.Error("view leaked an undeclared slot")
	}

	if view := bus.View(nil); view != nil {
		t.Errorf("empty view = %v, want nil", view)
	}
}

func TestBusReadRelease(t *testing.T) {
	bus := NewBus()

	if _, ok, err := bus.ReadRelease(); ok || err != nil {
		t.Fatalf("ReadRelease() on empty bus = %v, %v", ok, err)
	}

	if err := bus.Write(protocol.SlotLastRelease, json.RawMessage(`{"version":"2.0.0","revision":"def456"}`)); err != nil {
		t.Fatal(err)
	}
	release, ok, err := bus.ReadRelease()
	if err != nil || !ok {
		t.Fatalf("ReadRelease() = %v, %v", ok, err)
	}
	if release.Version != "2.0.0" || release.Revision != "def456" {
		t.Errorf("release = %+v", release)
	}
}
