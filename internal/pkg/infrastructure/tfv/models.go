package tfv

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Severity is the ordered impact level reported for a situation.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityVeryHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityVeryHigh:
		return "VeryHigh"
	default:
		return "Unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// severityFromCode maps the feed's SeverityCode (1, 2, 4, 5) onto Severity.
func severityFromCode(code int) Severity {
	switch code {
	case 1:
		return SeverityLow
	case 2, 3:
		return SeverityMedium
	case 4:
		return SeverityHigh
	case 5:
		return SeverityVeryHigh
	default:
		return SeverityUnknown
	}
}

// Point is a single WGS84 position.
type Point struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Situation is one traffic event as delivered to consumers.
type Situation struct {
	ID                 string    `json:"id"`
	Header             string    `json:"header,omitempty"`
	Message            string    `json:"message,omitempty"`
	Severity           Severity  `json:"severity"`
	IconID             string    `json:"iconId,omitempty"`
	MessageType        string    `json:"messageType,omitempty"`
	Location           Point     `json:"location"`
	RoadNumber         string    `json:"roadNumber,omitempty"`
	LocationDescriptor string    `json:"locationDescriptor,omitempty"`
	CountyCodes        []string  `json:"countyCodes,omitempty"`
	CreationTime       time.Time `json:"creationTime,omitempty"`
	StartTime          time.Time `json:"startTime,omitempty"`
	EndTime            time.Time `json:"endTime,omitempty"`
	Deleted            bool      `json:"deleted,omitempty"`
}

// InCounty reports whether the situation is located in the given county.
func (s Situation) InCounty(code string) bool {
	code = normalizeCountyCode(code)
	for _, c := range s.CountyCodes {
		if c == code {
			return true
		}
	}
	return false
}

type tfvPoint struct {
	WGS84 string `json:"WGS84"`
}

type tfvGeometry struct {
	WGS84 string    `json:"WGS84"`
	Point *tfvPoint `json:"Point,omitempty"`
}

func (g tfvGeometry) wgs84() string {
	if g.WGS84 != "" {
		return g.WGS84
	}
	if g.Point != nil {
		return g.Point.WGS84
	}
	return ""
}

type tfvDeviation struct {
	Id                 string        `json:"Id"`
	CreationTime       string        `json:"CreationTime"`
	Header             string        `json:"Header"`
	Message            string        `json:"Message"`
	MessageType        string        `json:"MessageType"`
	IconId             string        `json:"IconId"`
	SeverityCode       *int          `json:"SeverityCode,omitempty"`
	Geometry           tfvGeometry   `json:"Geometry"`
	RoadNumber         string        `json:"RoadNumber"`
	LocationDescriptor string        `json:"LocationDescriptor"`
	CountyNo           countyNumbers `json:"CountyNo"`
	StartTime          string        `json:"StartTime"`
	EndTime            string        `json:"EndTime"`
}

type tfvSituation struct {
	Id        string         `json:"Id"`
	Deleted   bool           `json:"Deleted"`
	Deviation []tfvDeviation `json:"Deviation"`
}

type tfvInfo struct {
	LastChangeID string `json:"LASTCHANGEID"`
	Message      string `json:"MESSAGE"`
	SSEURL       string `json:"SSEURL"`
}

type tfvError struct {
	Source  string `json:"SOURCE"`
	Message string `json:"MESSAGE"`
}

// tfvResult keeps situations undecoded so that one mistyped record does not
// fail its siblings.
type tfvResult struct {
	Situation []json.RawMessage `json:"Situation"`
	Info      *tfvInfo       `json:"INFO,omitempty"`
	Error     *tfvError      `json:"ERROR,omitempty"`
}

type tfvResponse struct {
	Response *struct {
		Result []tfvResult `json:"RESULT"`
	} `json:"RESPONSE"`
}

// countyNumbers accepts CountyNo both as a scalar and as an array, numeric or string.
type countyNumbers []string

func (c *countyNumbers) UnmarshalJSON(b []byte) error {
	var many []json.RawMessage
	if err := json.Unmarshal(b, &many); err != nil {
		many = []json.RawMessage{b}
	}

	codes := make([]string, 0, len(many))
	for _, raw := range many {
		if code, ok := countyCode(raw); ok {
			codes = append(codes, code)
		}
	}

	*c = codes
	return nil
}

func countyCode(raw json.RawMessage) (string, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return normalizeCountyCode(n.String()), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return normalizeCountyCode(s), true
	}

	return "", false
}

func normalizeCountyCode(code string) string {
	code = strings.TrimSpace(code)
	n, err := strconv.Atoi(code)
	if err != nil || n < 0 {
		return code
	}
	return fmt.Sprintf("%02d", n)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
