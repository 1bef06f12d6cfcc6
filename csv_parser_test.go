// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"strings"
	"testing"
)

func TestParsePollList(t *testing.T) {
	data := `tag,kind,register,length,fileNumber,text
battery_volts,holding,002a,1,,
alarm_active,coil,0001,1,,
ambient_temp,input,0040,2,,
model_name,holding,0020,5,,true
event_log,file,0005,8,2,
`
	points, err := ParsePollListString(data)
	assertNoError(t, err)
	if len(points) != 5 {
		t.Fatalf("parsed %d points, want 5", len(points))
	}

	want := []PollPoint{
		{Tag: "battery_volts", Kind: KindHolding, Register: 0x002A, Length: 1},
		{Tag: "alarm_active", Kind: KindCoil, Register: 0x0001, Length: 1},
		{Tag: "ambient_temp", Kind: KindInput, Register: 0x0040, Length: 2},
		{Tag: "model_name", Kind: KindHolding, Register: 0x0020, Length: 5, Text: true},
		{Tag: "event_log", Kind: KindFile, Register: 0x0005, Length: 8, FileNumber: 2},
	}
	for i, w := range want {
		if points[i] != w {
			t.Errorf("point %d = %+v, want %+v", i, points[i], w)
		}
	}
}

func TestParsePollListColumnOrder(t *testing.T) {
	data := `length,register,tag,kind
1,0010,fuel_level,holding
`
	points, err := ParsePollListString(data)
	assertNoError(t, err)
	if len(points) != 1 {
		t.Fatalf("parsed %d points, want 1", len(points))
	}
	want := PollPoint{Tag: "fuel_level", Kind: KindHolding, Register: 0x0010, Length: 1}
	if points[0] != want {
		t.Errorf("point = %+v, want %+v", points[0], want)
	}
}

func TestParsePollListFileDefaults(t *testing.T) {
	points, err := ParsePollListString("tag,kind,register,length\nlog,file,0001,4\n")
	assertNoError(t, err)
	if points[0].FileNumber != 1 {
		t.Errorf("FileNumber = %d, want default 1", points[0].FileNumber)
	}
}

func TestParsePollListHexRegisters(t *testing.T) {
	points, err := ParsePollListString("tag,kind,register,length\nhours,holding,00fe,1\n")
	assertNoError(t, err)
	if points[0].Register != 0x00FE {
		t.Errorf("Register = %04x, want 00fe", points[0].Register)
	}
}

func TestParsePollListErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"missing column", "tag,kind,register\nx,holding,0010\n"},
		{"missing tag", "tag,kind,register,length\n,holding,0010,1\n"},
		{"bad kind", "tag,kind,register,length\nx,analog,0010,1\n"},
		{"bad register", "tag,kind,register,length\nx,holding,zz,1\n"},
		{"zero length", "tag,kind,register,length\nx,holding,0010,0\n"},
		{"bad text", "tag,kind,register,length,fileNumber,text\nx,holding,0010,1,,maybe\n"},
		{"record out of range", "tag,kind,register,length\nx,file,2b68,1\n"},
	}
	for _, tc := range cases {
		if _, err := ParsePollList(strings.NewReader(tc.data)); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}
