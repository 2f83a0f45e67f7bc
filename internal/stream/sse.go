package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// frame is one dispatched server-sent event
type frame struct {
	Event string
	Data  string
	ID    int64
	HasID bool
}

// frameReader decodes the text/event-stream wire format
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame. Comment lines and frames without
// data are skipped. A stream that ends mid-frame returns io.ErrUnexpectedEOF.
func (fr *frameReader) Next() (frame, error) {
	var (
		f       frame
		data    []string
		hasData bool
		partial bool
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (partial || line != "") {
				return frame{}, io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				partial = false
				f = frame{}
				continue
			}
			f.Data = strings.Join(data, "\n")
			if f.Event == "" {
				f.Event = "message"
			}
			return f, nil
		}
		partial = true
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				f.ID = id
				f.HasID = true
			}
		}
	}
}
