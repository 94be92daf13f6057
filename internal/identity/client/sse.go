package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spec-kit/isp-console/internal/session"
)

// frame is one decoded Server-Sent Events message.
type frame struct {
	id    string
	event string
	data  string
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next blocks until a complete frame arrives. Comments and frames without an
// event name are skipped.
func (fr *frameReader) next() (frame, error) {
	var (
		f    frame
		data []string
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if f.event == "" {
				f, data = frame{}, nil
				continue
			}
			f.data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			data = append(data, value)
		}
	}
}

// decode turns a frame into the closed event variant.
func (f frame) decode() (session.Event, error) {
	var sess *session.Session
	if f.data != "" && f.data != "null" {
		sess = &session.Session{}
		if err := json.Unmarshal([]byte(f.data), sess); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", f.event, err)
		}
	}
	return session.NewEvent(session.EventKind(f.event), sess)
}
