package analysis

import "testing"

func TestSizeAnalyzer(t *testing.T) {
	a := NewSizeAnalyzer()
	small := RouteKey{Host: "h", Path: "/small", Method: "GET"}
	big := RouteKey{Host: "h", Path: "/big", Method: "POST"}

	a.OnRequest(&ObservedRequest{Route: small, StatusCode: 200, ReqBytes: 0, RespBytes: 10})
	a.OnRequest(&ObservedRequest{Route: small, StatusCode: 200, ReqBytes: 0, RespBytes: 30})
	a.OnRequest(&ObservedRequest{Route: big, StatusCode: 200, ReqBytes: 500, RespBytes: 4000})
	// no response: request side only
	a.OnRequest(&ObservedRequest{Route: big, ReqBytes: 700})

	snaps := a.Snapshot(0)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(snaps))
	}
	if snaps[0].Route != big {
		t.Fatalf("expected largest responses first, got %#v", snaps[0].Route)
	}
	b := snaps[0]
	if b.ReqCount != 2 || b.RespCount != 1 || b.ReqMean != 600 || b.ReqMin != 500 || b.ReqMax != 700 {
		t.Fatalf("unexpected big route stats %#v", b)
	}
	s := snaps[1]
	if s.RespMean != 20 || s.RespStd != 10 || s.RespMin != 10 || s.RespMax != 30 {
		t.Fatalf("unexpected small route stats %#v", s)
	}

	if got := a.Snapshot(3); len(got) != 0 {
		t.Fatalf("minCount should filter every route, got %d", len(got))
	}
}
