package moqcapture

import (
	"reflect"
	"testing"
)

func chainHandle(log *closeLog, name string) *fakeHandle {
	return &fakeHandle{name: name, log: log}
}

func fullChain(log *closeLog) *handleChain {
	h := &handleChain{}
	origin := &fakeOrigin{fakeHandle: fakeHandle{name: "origin", log: log}}
	if err := h.installSession(origin, chainHandle(log, "session")); err != nil {
		panic(err)
	}
	if err := h.installBroadcast(&fakeBroadcast{fakeHandle: fakeHandle{name: "broadcast", log: log}}); err != nil {
		panic(err)
	}
	if err := h.installCatalog(chainHandle(log, "catsub")); err != nil {
		panic(err)
	}
	if err := h.installTrack(chainHandle(log, "track")); err != nil {
		panic(err)
	}
	return h
}

func TestChainTeardownClosesLeafToRoot(t *testing.T) {
	log := &closeLog{}
	h := fullChain(log)

	h.teardown()

	want := []string{"track", "catsub", "broadcast", "session", "origin"}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("teardown order = %v, want %v", got, want)
	}
	if h.connected() {
		t.Error("chain still reports connected after teardown")
	}

	// A second teardown finds nothing to close.
	h.teardown()
	if got := log.len(); got != 5 {
		t.Errorf("close events after double teardown = %d, want 5", got)
	}
}

func TestChainRejectsOutOfOrderInstalls(t *testing.T) {
	log := &closeLog{}
	h := &handleChain{}

	if err := h.installBroadcast(&fakeBroadcast{fakeHandle: fakeHandle{name: "broadcast", log: log}}); err == nil {
		t.Error("broadcast installed without a session")
	}
	if err := h.installCatalog(chainHandle(log, "catsub")); err == nil {
		t.Error("catalog installed without a broadcast")
	}
	if err := h.installTrack(chainHandle(log, "track")); err == nil {
		t.Error("track installed without a catalog")
	}

	origin := &fakeOrigin{fakeHandle: fakeHandle{name: "origin", log: log}}
	if err := h.installSession(origin, chainHandle(log, "session")); err != nil {
		t.Fatalf("installSession failed: %v", err)
	}
	if err := h.installSession(origin, chainHandle(log, "session2")); err == nil {
		t.Error("second session installed over a live one")
	}
}

func TestChainTrackReplacementClosesPrevious(t *testing.T) {
	log := &closeLog{}
	h := fullChain(log)

	replacement := chainHandle(log, "track-next")
	if err := h.installTrack(replacement); err != nil {
		t.Fatalf("installTrack failed: %v", err)
	}

	if got := log.snapshot(); !reflect.DeepEqual(got, []string{"track"}) {
		t.Fatalf("close events = %v, want [track]", got)
	}
	if h.track != Track(replacement) {
		t.Error("replacement track was not installed")
	}
}

func TestChainConnectedTracksBroadcastNotTrack(t *testing.T) {
	log := &closeLog{}
	h := &handleChain{}
	if h.connected() {
		t.Error("empty chain reports connected")
	}

	origin := &fakeOrigin{fakeHandle: fakeHandle{name: "origin", log: log}}
	if err := h.installSession(origin, chainHandle(log, "session")); err != nil {
		t.Fatal(err)
	}
	if h.connected() {
		t.Error("chain reports connected before a broadcast is consumed")
	}

	if err := h.installBroadcast(&fakeBroadcast{fakeHandle: fakeHandle{name: "broadcast", log: log}}); err != nil {
		t.Fatal(err)
	}
	if !h.connected() {
		t.Error("chain does not report connected with a live broadcast")
	}
}
