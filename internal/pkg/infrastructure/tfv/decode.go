package tfv

import (
	"encoding/json"
	"fmt"
)

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAck
	FrameError
	FrameData
)

func (k FrameKind) String() string {
	switch k {
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	case FrameData:
		return "data"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound message. Exactly one of Info, Err or
// Situations is meaningful, as indicated by Kind.
type Frame struct {
	Kind         FrameKind
	Info         string
	LastChangeID string
	Err          *FeedError
	Situations   []Situation
	// Dropped counts situations that failed validation and were left out.
	Dropped int
}

// DecodeFrame decodes one inbound frame. An error is returned only when the
// frame is not a RESPONSE envelope at all; invalid situations inside an
// otherwise valid frame are skipped and counted in Frame.Dropped.
func DecodeFrame(data []byte) (Frame, error) {
	resp := tfvResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Frame{}, fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
	}

	if resp.Response == nil {
		return Frame{}, fmt.Errorf("%w: missing RESPONSE", ErrMalformedFrame)
	}

	frame := Frame{}
	hasData := false

	for _, result := range resp.Response.Result {
		if result.Error != nil {
			return Frame{
				Kind: FrameError,
				Err:  &FeedError{Source: result.Error.Source, Message: result.Error.Message},
			}, nil
		}

		if result.Info != nil {
			if result.Info.Message != "" {
				frame.Info = result.Info.Message
			}
			if result.Info.LastChangeID != "" {
				frame.LastChangeID = result.Info.LastChangeID
			}
		}

		if result.Situation == nil {
			continue
		}

		hasData = true
		for _, raw := range result.Situation {
			sitch := tfvSituation{}
			if err := json.Unmarshal(raw, &sitch); err != nil {
				frame.Dropped++
				continue
			}

			s, err := convertSituation(sitch)
			if err != nil {
				frame.Dropped++
				continue
			}
			frame.Situations = append(frame.Situations, s)
		}
	}

	switch {
	case hasData:
		frame.Kind = FrameData
	case frame.Info != "" || frame.LastChangeID != "":
		frame.Kind = FrameAck
	default:
		frame.Kind = FrameData
	}

	return frame, nil
}

func convertSituation(sitch tfvSituation) (Situation, error) {
	if len(sitch.Deviation) == 0 {
		return Situation{}, fmt.Errorf("%w: no deviations", ErrMalformedSituation)
	}

	dev := sitch.Deviation[0]

	id := dev.Id
	if id == "" {
		id = dev.CreationTime
	}
	if id == "" {
		return Situation{}, fmt.Errorf("%w: no identity", ErrMalformedSituation)
	}

	location, err := ParsePoint(dev.Geometry.wgs84())
	if err != nil {
		return Situation{}, fmt.Errorf("%w: %s", ErrMalformedSituation, err.Error())
	}

	s := Situation{
		ID:                 id,
		Header:             dev.Header,
		Message:            dev.Message,
		IconID:             dev.IconId,
		MessageType:        dev.MessageType,
		Location:           location,
		RoadNumber:         dev.RoadNumber,
		LocationDescriptor: dev.LocationDescriptor,
		CountyCodes:        []string(dev.CountyNo),
		CreationTime:       parseTime(dev.CreationTime),
		StartTime:          parseTime(dev.StartTime),
		EndTime:            parseTime(dev.EndTime),
		Deleted:            sitch.Deleted,
	}

	if dev.SeverityCode != nil {
		s.Severity = severityFromCode(*dev.SeverityCode)
	}

	return s, nil
}
