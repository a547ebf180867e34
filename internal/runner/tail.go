package runner

import "unicode/utf8"

// tailWriter keeps only the last max bytes written to it. It never returns
// a short write, so a chatty process is not killed by EPIPE.
type tailWriter struct {
	buf       []byte
	max       int
	discarded int64
}

func (tw *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if tw.max <= 0 {
		tw.discarded += int64(n)
		return n, nil
	}
	if n >= tw.max {
		tw.discarded += int64(len(tw.buf) + n - tw.max)
		tw.buf = append(tw.buf[:0], p[n-tw.max:]...)
		return n, nil
	}
	if over := len(tw.buf) + n - tw.max; over > 0 {
		tw.discarded += int64(over)
		tw.buf = append(tw.buf[:0], tw.buf[over:]...)
	}
	tw.buf = append(tw.buf, p...)
	return n, nil
}

// String returns the retained tail, dropping a rune cut in half at the front.
func (tw *tailWriter) String() string {
	b := tw.buf
	if tw.discarded > 0 {
		for i := 0; i < len(b) && i < utf8.UTFMax && !utf8.RuneStart(b[0]); i++ {
			b = b[1:]
		}
	}
	return string(b)
}

func (tw *tailWriter) Truncated() bool {
	return tw.discarded > 0
}
