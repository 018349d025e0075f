// Package nmea handles the line-level wire format of the bridge: splitting
// raw byte streams into sentences, validating the optional *HH checksum
// trailer, and classifying sentences by their leading characters.
//
// Payload decoding is deliberately absent. The bridge forwards raw lines;
// only the prefix is ever inspected.
package nmea

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/IdeaQru/apigate-sub000/errors"
)

// Kind classifies a sentence by its leading characters.
type Kind int

const (
	// KindData is any line that is neither AIS nor GNSS.
	KindData Kind = iota
	// KindAIS is an AIS VDM/VDO sentence (!AIVDM / !AIVDO).
	KindAIS
	// KindGNSS is a GNSS position/fix sentence ($GP, $GN, $GL, $GA, $GB).
	KindGNSS
)

// String returns the lower-case label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindAIS:
		return "ais"
	case KindGNSS:
		return "gnss"
	default:
		return "data"
	}
}

var gnssTalkers = []string{"$GP", "$GN", "$GL", "$GA", "$GB"}

// Classify inspects only the leading characters of a line.
func Classify(line string) Kind {
	if strings.HasPrefix(line, "!AIVDM") || strings.HasPrefix(line, "!AIVDO") {
		return KindAIS
	}
	for _, talker := range gnssTalkers {
		if strings.HasPrefix(line, talker) {
			return KindGNSS
		}
	}
	return KindData
}

// ScanLines is a bufio.SplitFunc that splits on \r\n, \r, or \n.
// A lone trailing \r is held back until more data arrives so a CRLF pair
// spanning two reads is not split into an empty line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					advance = i + 2
				}
			} else if !atEOF {
				// Possible first half of a CRLF; wait for more data.
				return 0, nil, nil
			}
		}
		return advance, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Check validates the *HH checksum trailer of a sentence, if present.
// Sentences without a trailer pass. The checksum is the XOR of all bytes
// between the leading sentinel ($ or !) and the *.
func Check(line string) error {
	if len(line) == 0 || (line[0] != '$' && line[0] != '!') {
		return nil
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 {
		return nil
	}
	if star+3 != len(line) {
		return errors.WrapInvalid(
			fmt.Errorf("malformed checksum trailer in %q", line),
			"nmea", "Check", "trailer length")
	}

	var sum byte
	for i := 1; i < star; i++ {
		sum ^= line[i]
	}

	want := line[star+1:]
	got := fmt.Sprintf("%02X", sum)
	if !strings.EqualFold(got, want) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: computed %s, sentence carries %s", errors.ErrChecksumFailed, got, want),
			"nmea", "Check", "checksum comparison")
	}
	return nil
}

// Checksum computes the two-digit hex checksum for the body of a sentence
// (the bytes between the sentinel and the *).
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}
