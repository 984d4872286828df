package ingest

import "testing"

func TestLooksBridged(t *testing.T) {
	cases := []struct {
		name        string
		text        string
		senderKnown bool
		viaMQTT     bool
		want        bool
	}{
		{"plain chat", "anyone near the ridge repeater?", true, false, false},
		{"unknown sender off air", "hello", false, false, false},
		{"mqtt hostname", "broker at mqtt.example.com", true, false, true},
		{"known bridge domain", "via areyoumeshingwith.us gateway", true, false, true},
		{"versioned host beacon", "2.14.3.a1b2c3", true, false, true},
		{"asset path", "/static/app.bundle.js", true, false, true},
		{"asset path css", "/css/theme.css", true, false, true},
		{"binary garbage", "\x01\x02\x03\x04\x05\x06", true, false, true},
		{"mqtt unknown sender", "hi there", false, true, true},
		{"mqtt known sender", "hi there", true, true, false},
		{"emoji is fine", "👍 sounds good", true, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := LooksBridged(tc.text, tc.senderKnown, tc.viaMQTT)
			if got != tc.want {
				t.Fatalf("LooksBridged(%q, known=%v, mqtt=%v) = %v, want %v",
					tc.text, tc.senderKnown, tc.viaMQTT, got, tc.want)
			}
		})
	}
}
