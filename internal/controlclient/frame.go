package controlclient

// streamScanner consumes a raw byte stream from the daemon's control
// socket, pulling out IAC (0xFF) command sequences (2 or 3 bytes) for the
// negotiator and passing everything else through as textual output, with
// CR and NUL filtered (§4.7's parser contract).
type streamScanner struct {
	neg     *negotiator
	pending []byte // bytes not yet forming a complete sequence
	text    []byte // accumulated plain-text output awaiting a line boundary
	lines   []string
}

func newStreamScanner(neg *negotiator) *streamScanner {
	return &streamScanner{neg: neg}
}

// feed processes newly-read bytes, returning any complete lines produced.
func (s *streamScanner) feed(data []byte) []string {
	s.lines = s.lines[:0]
	buf := append(s.pending, data...)
	s.pending = nil

	i := 0
	for i < len(buf) {
		b := buf[i]
		if b == iac {
			if i+1 >= len(buf) {
				s.pending = buf[i:]
				break
			}
			cmd := buf[i+1]
			if cmd == iac {
				// escaped 0xFF literal in the data stream
				s.appendByte(iac)
				i += 2
				continue
			}
			if cmd == will || cmd == wont || cmd == do || cmd == dont {
				if i+2 >= len(buf) {
					s.pending = buf[i:]
					break
				}
				opt := buf[i+2]
				s.neg.handle(cmd, opt)
				i += 3
				continue
			}
			// Unrecognized 2-byte IAC command; skip it.
			i += 2
			continue
		}

		switch b {
		case '\r', 0x00:
			// dropped per parser contract
		case '\n':
			s.flushLine()
		default:
			s.appendByte(b)
		}
		i++
	}
	return append([]string(nil), s.lines...)
}

func (s *streamScanner) appendByte(b byte) {
	s.text = append(s.text, b)
}

func (s *streamScanner) flushLine() {
	s.lines = append(s.lines, string(s.text))
	s.text = s.text[:0]
}
