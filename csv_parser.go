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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Poll lists ship as CSV with columns:
//
//	tag,kind,register,length,fileNumber,text
//
// kind is one of holding/coil/input/file; register and fileNumber are hex;
// length is decimal; text accepts true/false and defaults to false.
// fileNumber and text are optional columns.

// ParsePollList reads a poll list from r.
func ParsePollList(r io.Reader) ([]PollPoint, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("modbus: failed to read poll list: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("modbus: empty poll list")
	}

	headerMap := make(map[string]int)
	for i, h := range records[0] {
		headerMap[strings.TrimSpace(h)] = i
	}
	for _, field := range []string{"tag", "kind", "register", "length"} {
		if _, ok := headerMap[field]; !ok {
			return nil, fmt.Errorf("modbus: poll list is missing column %q", field)
		}
	}

	var points []PollPoint
	for i, record := range records[1:] {
		point, err := parsePollPoint(record, headerMap)
		if err != nil {
			return nil, fmt.Errorf("modbus: poll list row %d: %w", i+2, err)
		}
		points = append(points, point)
	}
	return points, nil
}

// ParsePollListString reads a poll list from a string.
func ParsePollListString(data string) ([]PollPoint, error) {
	return ParsePollList(strings.NewReader(data))
}

func parsePollPoint(record []string, headerMap map[string]int) (PollPoint, error) {
	var point PollPoint

	getField := func(name string) string {
		if idx, ok := headerMap[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	point.Tag = getField("tag")
	if point.Tag == "" {
		return point, fmt.Errorf("'tag' is required")
	}

	kind, err := parseKind(getField("kind"))
	if err != nil {
		return point, err
	}
	point.Kind = kind

	register, err := strconv.ParseUint(getField("register"), 16, 16)
	if err != nil {
		return point, fmt.Errorf("invalid 'register': %w", err)
	}
	point.Register = uint16(register)

	length, err := strconv.ParseUint(getField("length"), 10, 16)
	if err != nil {
		return point, fmt.Errorf("invalid 'length': %w", err)
	}
	if length == 0 {
		return point, fmt.Errorf("'length' must be positive")
	}
	point.Length = uint16(length)

	if s := getField("fileNumber"); s != "" {
		fileNumber, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return point, fmt.Errorf("invalid 'fileNumber': %w", err)
		}
		point.FileNumber = uint16(fileNumber)
	} else if point.Kind == KindFile {
		point.FileNumber = 1
	}

	if s := getField("text"); s != "" {
		text, err := strconv.ParseBool(s)
		if err != nil {
			return point, fmt.Errorf("invalid 'text': %w", err)
		}
		point.Text = text
	}

	if point.Kind == KindFile && point.Register > maxFileRecord {
		return point, fmt.Errorf("file record %04x exceeds %d", point.Register, maxFileRecord)
	}
	return point, nil
}

func parseKind(s string) (RegisterKind, error) {
	switch strings.ToLower(s) {
	case "holding":
		return KindHolding, nil
	case "coil":
		return KindCoil, nil
	case "input":
		return KindInput, nil
	case "file":
		return KindFile, nil
	default:
		return 0, fmt.Errorf("invalid 'kind': %q", s)
	}
}
