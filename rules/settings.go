package rules

import "time"

// Settings are free form values attached to rules, merged in rule order so later and deeper rules win.
type Settings map[string]interface{}

func (s Settings) String(k string) (string, bool) {
	val, found := s[k]

	if found {
		s, ok := val.(string)
		return s, ok
	} else {
		return "", false
	}
}

func (s Settings) Boolean(k string) (bool, bool) {
	val, found := s[k]

	if found {
		b, ok := val.(bool)
		return b, ok
	} else {
		return false, false
	}
}

func (s Settings) Int(k string) (int, bool) {
	val, found := s[k]

	if found {
		i, ok := val.(int)
		return i, ok
	} else {
		return 0, false
	}
}

func (s Settings) Float(k string) (float64, bool) {
	val, found := s[k]

	if !found {
		return 0.0, false
	}

	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0.0, false
	}
}

// Seconds reads a number of seconds as a duration, returning def if the setting is absent or not numeric.
func (s Settings) Seconds(k string, def time.Duration) time.Duration {
	if f, ok := s.Float(k); ok {
		return time.Duration(f * float64(time.Second))
	}

	return def
}

func (s Settings) Merge(other Settings) {
	for k, v := range other {
		s[k] = v
	}
}
