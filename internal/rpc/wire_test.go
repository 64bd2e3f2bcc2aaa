package rpc

import "testing"

func TestSequencesSurviveStruct(t *testing.T) {
	const large = uint64(1)<<53 + 1

	in, err := Encode(ListEventsMsg{After: large, Limit: 10})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := in.GetFields()["after"].GetStringValue(); got != "9007199254740993" {
		t.Fatalf("after encoded as %v", in.GetFields()["after"])
	}
	var back ListEventsMsg
	if err := Decode(in, &back); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.After != large || back.Limit != 10 {
		t.Fatalf("round trip = %+v", back)
	}

	out, err := Encode(EventsMsg{Events: []EventMsg{{Sequence: large, Kind: "AgentAuthorized"}}, NextAfter: large})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var events EventsMsg
	if err := Decode(out, &events); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if events.NextAfter != large || events.Events[0].Sequence != large {
		t.Fatalf("round trip = %+v", events)
	}
}
