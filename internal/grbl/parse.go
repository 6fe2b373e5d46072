package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// Machine states reported in the first field of a status report.
const (
	MachineIdle  = "Idle"
	MachineRun   = "Run"
	MachineHold  = "Hold"
	MachineJog   = "Jog"
	MachineAlarm = "Alarm"
	MachineDoor  = "Door"
	MachineCheck = "Check"
	MachineHome  = "Home"
	MachineSleep = "Sleep"
)

// Status is a parsed real-time status report, e.g.
// <Idle|MPos:0.000,0.000,0.000|Bf:15,128|FS:0,0>
type Status struct {
	Raw               string    `json:"raw"`
	State             string    `json:"state"`
	SubState          string    `json:"sub_state,omitempty"`
	MPos              []float64 `json:"mpos,omitempty"`
	WPos              []float64 `json:"wpos,omitempty"`
	WCO               []float64 `json:"wco,omitempty"`
	Feed              float64   `json:"feed"`
	Spindle           float64   `json:"spindle"`
	PlannerBlocksFree int       `json:"planner_blocks_free"`
	RXBytesFree       int       `json:"rx_bytes_free"`
	LineNumber        int       `json:"line_number,omitempty"`
	Pins              string    `json:"pins,omitempty"`
	Overrides         []float64 `json:"overrides,omitempty"`
}

// ParserState is a parsed $G reply, e.g. [GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]
type ParserState struct {
	Raw     string   `json:"raw"`
	Modes   []string `json:"modes"`
	Tool    int      `json:"tool"`
	Feed    float64  `json:"feed"`
	Spindle float64  `json:"spindle"`
}

func ParseStatus(line string) (Status, error) {
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return Status{}, fmt.Errorf("not a status report: %q", line)
	}
	st := Status{Raw: line, PlannerBlocksFree: -1, RXBytesFree: -1}

	fields := strings.Split(line[1:len(line)-1], "|")
	state, sub, _ := strings.Cut(fields[0], ":")
	st.State, st.SubState = state, sub

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "MPos":
			st.MPos, err = parseFloats(value)
		case "WPos":
			st.WPos, err = parseFloats(value)
		case "WCO":
			st.WCO, err = parseFloats(value)
		case "Bf":
			var bf []float64
			bf, err = parseFloats(value)
			if err == nil && len(bf) == 2 {
				st.PlannerBlocksFree, st.RXBytesFree = int(bf[0]), int(bf[1])
			}
		case "FS":
			var fs []float64
			fs, err = parseFloats(value)
			if err == nil && len(fs) == 2 {
				st.Feed, st.Spindle = fs[0], fs[1]
			}
		case "F":
			st.Feed, err = strconv.ParseFloat(value, 64)
		case "Ln":
			st.LineNumber, err = strconv.Atoi(value)
		case "Pn":
			st.Pins = value
		case "Ov":
			st.Overrides, err = parseFloats(value)
		}
		if err != nil {
			return Status{}, fmt.Errorf("parse status field %s: %w", key, err)
		}
	}
	return st, nil
}

// WorkPosition returns WPos, deriving it from MPos - WCO when only MPos was reported.
func (s Status) WorkPosition() []float64 {
	if len(s.WPos) > 0 || len(s.MPos) == 0 || len(s.WCO) != len(s.MPos) {
		return s.WPos
	}
	wpos := make([]float64, len(s.MPos))
	for i := range s.MPos {
		wpos[i] = s.MPos[i] - s.WCO[i]
	}
	return wpos
}

func ParseParserState(line string) (ParserState, error) {
	if !strings.HasPrefix(line, "[GC:") || !strings.HasSuffix(line, "]") {
		return ParserState{}, fmt.Errorf("not a parser state report: %q", line)
	}
	ps := ParserState{Raw: line}
	for _, word := range strings.Fields(line[4 : len(line)-1]) {
		var err error
		switch word[0] {
		case 'T':
			ps.Tool, err = strconv.Atoi(word[1:])
		case 'F':
			ps.Feed, err = strconv.ParseFloat(word[1:], 64)
		case 'S':
			ps.Spindle, err = strconv.ParseFloat(word[1:], 64)
		default:
			ps.Modes = append(ps.Modes, word)
		}
		if err != nil {
			return ParserState{}, fmt.Errorf("parse parser state word %s: %w", word, err)
		}
	}
	return ps, nil
}

func parseFloats(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// parseCode extracts n from "error:n" / "ALARM:n".
func parseCode(line string) int {
	_, value, _ := strings.Cut(line, ":")
	code, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return code
}
