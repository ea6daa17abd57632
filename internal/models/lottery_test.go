package models

import (
	"encoding/json"
	"testing"
)

func TestPhaseText(t *testing.T) {
	for phase, name := range phaseNames {
		buf, err := json.Marshal(phase)
		if err != nil {
			t.Fatalf("Marshal(%d) failed: %v", phase, err)
		}
		if string(buf) != `"`+name+`"` {
			t.Errorf("Expected %q, got %s", name, buf)
		}
		var got Phase
		if err := json.Unmarshal(buf, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", buf, err)
		}
		if got != phase {
			t.Errorf("Expected %s, got %s", phase, got)
		}
	}

	var p Phase
	if err := p.UnmarshalText([]byte("drawing")); err == nil {
		t.Error("Expected an error for an unknown phase name")
	}
	if s := Phase(42).String(); s != "phase(42)" {
		t.Errorf("Unexpected name for unknown phase: %s", s)
	}
}

func TestTicketMetadata(t *testing.T) {
	ticket := TicketRecord{LotteryID: "lot", Index: 7, Owner: "alice"}
	meta := ticket.Metadata("https://example.com/t.json")
	if meta.Name != "Token Lottery Ticket #7" {
		t.Errorf("Unexpected name %q", meta.Name)
	}
	if meta.Symbol != "TLT" || meta.URI != "https://example.com/t.json" {
		t.Errorf("Unexpected metadata %+v", meta)
	}
	if meta.Collection != "collection:lot" {
		t.Errorf("Unexpected collection %q", meta.Collection)
	}
	if VaultAccount("lot") != "vault:lot" {
		t.Errorf("Unexpected vault account %q", VaultAccount("lot"))
	}
}

func TestReserved(t *testing.T) {
	for id, want := range map[string]bool{
		VaultAccount("lot"): true,
		CollectionID("lot"): true,
		"alice":             false,
		"my-vault:lot":      false,
	} {
		if got := Reserved(id); got != want {
			t.Errorf("Reserved(%q) = %v, expected %v", id, got, want)
		}
	}
}

func TestNewLottery(t *testing.T) {
	cfg := LotteryConfig{LotteryID: "lot"}
	l := NewLottery(cfg, LotteryState{LotteryID: "lot", Phase: PhaseUninitialized}, "uri")
	if l.Collection != nil {
		t.Errorf("Expected no collection before initialization, got %+v", l.Collection)
	}
	l = NewLottery(cfg, LotteryState{LotteryID: "lot", Phase: PhaseSelling, Collection: CollectionID("lot")}, "uri")
	if l.Collection == nil || l.Collection.Collection != "collection:lot" || l.Collection.URI != "uri" {
		t.Errorf("Unexpected collection %+v", l.Collection)
	}
}
