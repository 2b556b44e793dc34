package docker

import (
	"encoding/json"
	"io"
	"regexp"

	"github.com/docker/docker/pkg/jsonmessage"
)

// regex to match ANSI escape codes (e.g., color codes, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var re = regexp.MustCompile(ansi)

type ansiStrippingWriter struct {
	underlying io.Writer
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	clean := re.ReplaceAll(p, []byte{})
	if _, err := w.underlying.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}

// displayStream renders a daemon progress stream to out as plain text and
// hands every aux message to aux. An error message in the stream is
// returned as an error.
func displayStream(in io.Reader, out io.Writer, aux func(json.RawMessage)) error {
	var cb func(jsonmessage.JSONMessage)
	if aux != nil {
		cb = func(msg jsonmessage.JSONMessage) {
			if msg.Aux != nil {
				aux(*msg.Aux)
			}
		}
	}

	return jsonmessage.DisplayJSONMessagesStream(in, &ansiStrippingWriter{underlying: out}, 0, false, cb)
}
