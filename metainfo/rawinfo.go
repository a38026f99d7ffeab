package metainfo

import (
	"fmt"
)

// infoSpan returns the exact bytes of the info value inside a bencoded
// torrent file. The span is taken from the input as-is so that the
// info-hash matches what the original encoder produced, regardless of
// key ordering or other encoding quirks a re-marshal would normalize.
func infoSpan(raw []byte) ([]byte, error) {
	if len(raw) == 0 || raw[0] != 'd' {
		return nil, fmt.Errorf("top-level value is not a dictionary")
	}

	pos := 1
	for pos < len(raw) && raw[pos] != 'e' {
		key, next, err := readString(raw, pos)
		if err != nil {
			return nil, err
		}
		end, err := skipValue(raw, next)
		if err != nil {
			return nil, err
		}
		if string(key) == "info" {
			return raw[next:end], nil
		}
		pos = end
	}
	return nil, fmt.Errorf("missing info key")
}

// readString decodes a bencoded string at pos and returns its bytes and
// the position just past it.
func readString(raw []byte, pos int) ([]byte, int, error) {
	length := 0
	i := pos
	for ; i < len(raw) && raw[i] != ':'; i++ {
		c := raw[i]
		if c < '0' || c > '9' {
			return nil, 0, fmt.Errorf("invalid string length at offset %d", pos)
		}
		length = length*10 + int(c-'0')
	}
	if i >= len(raw) {
		return nil, 0, fmt.Errorf("unterminated string length at offset %d", pos)
	}
	i++ // ':'
	if i+length > len(raw) {
		return nil, 0, fmt.Errorf("string at offset %d overruns input", pos)
	}
	return raw[i : i+length], i + length, nil
}

// skipValue returns the position just past the bencoded value at pos.
func skipValue(raw []byte, pos int) (int, error) {
	if pos >= len(raw) {
		return 0, fmt.Errorf("truncated value at offset %d", pos)
	}
	switch c := raw[pos]; {
	case c == 'i':
		for i := pos + 1; i < len(raw); i++ {
			if raw[i] == 'e' {
				return i + 1, nil
			}
		}
		return 0, fmt.Errorf("unterminated integer at offset %d", pos)
	case c == 'l' || c == 'd':
		i := pos + 1
		for i < len(raw) && raw[i] != 'e' {
			var err error
			if c == 'd' {
				if _, i, err = readString(raw, i); err != nil {
					return 0, err
				}
			}
			if i, err = skipValue(raw, i); err != nil {
				return 0, err
			}
		}
		if i >= len(raw) {
			return 0, fmt.Errorf("unterminated collection at offset %d", pos)
		}
		return i + 1, nil
	case c >= '0' && c <= '9':
		_, next, err := readString(raw, pos)
		return next, err
	default:
		return 0, fmt.Errorf("invalid value marker %q at offset %d", c, pos)
	}
}
