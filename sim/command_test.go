package sim

import (
	"reflect"
	"testing"
)

func TestParseCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []Command
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"answer", "A", []Command{{Name: "A"}}, false},
		{"chained", "E1V1q0", []Command{{Name: "E", Num: "1"}, {Name: "V", Num: "1"}, {Name: "Q", Num: "0"}}, false},
		{"factory", "&F", []Command{{Name: "&F"}}, false},
		{"voice dial", "D+15551234;", []Command{{Name: "D", Assign: true, Value: "+15551234;"}}, false},
		{"extended", "+CHUP", []Command{{Name: "+CHUP"}}, false},
		{"telit assign", "#ADSPC=6", []Command{{Name: "#ADSPC", Assign: true, Value: "6"}}, false},
		{"list value", "+cmer=2,0,0,2", []Command{{Name: "+CMER", Assign: true, Value: "2,0,0,2"}}, false},
		{"query", "+CLIP?", []Command{{Name: "+CLIP", Query: true}}, false},
		{"test", "+CIND=?", []Command{{Name: "+CIND", Assign: true, Query: true}}, false},
		{"stray query", "?", nil, true},
		{"bad char", "E1!", []Command{{Name: "E", Num: "1"}}, true},
		{"bad extended", "+C1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommandLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommandLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}
