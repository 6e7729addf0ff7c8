package motion

import "fmt"

// Level is the ordinal motion intensity of a frame.
type Level int

const (
	LevelNone Level = iota
	LevelMinimal
	LevelLow
	LevelMedium
	LevelHigh
)

var levelNames = [...]string{
	LevelNone:    "none",
	LevelMinimal: "minimal",
	LevelLow:     "low",
	LevelMedium:  "medium",
	LevelHigh:    "high",
}

// Fixed boundaries, in percent of the frame.
const (
	minimalBoundary = 0.5
	lowBoundary     = 1.0
	mediumBoundary  = 5.0
	highBoundary    = 15.0
)

// LevelFor maps a motion percentage (0-100) to its level.
func LevelFor(percent float64) Level {
	switch {
	case percent < minimalBoundary:
		return LevelNone
	case percent < lowBoundary:
		return LevelMinimal
	case percent < mediumBoundary:
		return LevelLow
	case percent < highBoundary:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown motion level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	for i, name := range levelNames {
		if name == string(text) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown motion level %q", text)
}
