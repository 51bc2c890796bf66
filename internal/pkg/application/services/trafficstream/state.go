package trafficstream

import "time"

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateClosing
	StateReconnectWaiting
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateStreaming:
		return "Streaming"
	case StateClosing:
		return "Closing"
	case StateReconnectWaiting:
		return "ReconnectWaiting"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionQuality is a coarse classification of how recently data arrived.
type ConnectionQuality int

const (
	QualityDisconnected ConnectionQuality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityPoor:
		return "Poor"
	default:
		return "Disconnected"
	}
}

func (q ConnectionQuality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// QualityFor classifies the time elapsed since the last inbound frame.
func QualityFor(sinceLastMessage time.Duration) ConnectionQuality {
	switch {
	case sinceLastMessage < 5*time.Second:
		return QualityExcellent
	case sinceLastMessage < 15*time.Second:
		return QualityGood
	case sinceLastMessage < 60*time.Second:
		return QualityPoor
	default:
		return QualityDisconnected
	}
}
