// Package report holds the text documents published for readings,
// calibration and command status.
package report

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Kind identifies the document carried by a Message.
type Kind string

const (
	KindReadings    Kind = "readings"
	KindCalibration Kind = "calibration"
	KindStatus      Kind = "status"
)

// Message is a rendered document ready to be delivered by an output.
type Message struct {
	Kind Kind
	Body []byte
}

// FormatValue formats a physical value with two decimals.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// SensorKey returns the readings key of channel i.
func SensorKey(i int) string {
	return "sensor_" + strconv.Itoa(i)
}

// Readings is the per-channel and aggregate snapshot of a bank.
// It marshals as {"sensor_0":"1.00",...,"weight":"4.00"} with keys in
// channel order.
type Readings struct {
	Sensors []float64
	Weight  float64
}

func (r Readings) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range r.Sensors {
		writeKeyValue(&buf, SensorKey(i), FormatValue(v))
		buf.WriteByte(',')
	}
	writeKeyValue(&buf, "weight", FormatValue(r.Weight))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKeyValue(buf *bytes.Buffer, key, value string) {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
}

// Calibration lists the scale factor of every channel in channel order.
type Calibration struct {
	Calibration []float64 `json:"calibration"`
}

func (c Calibration) MarshalJSON() ([]byte, error) {
	rounded := make([]json.Number, len(c.Calibration))
	for i, v := range c.Calibration {
		rounded[i] = json.Number(FormatValue(finite(v)))
	}
	return json.Marshal(struct {
		Calibration []json.Number `json:"calibration"`
	}{rounded})
}

// finite maps NaN and infinities to zero so the document stays valid JSON.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// StatusCode is the outcome reported for a command.
type StatusCode string

const (
	StatusSuccess StatusCode = "success"
	StatusError   StatusCode = "error"
	StatusInfo    StatusCode = "info"
)

// Status reports the outcome of a command, or an informational notice.
type Status struct {
	Status      StatusCode `json:"status"`
	Message     string     `json:"message,omitempty"`
	MessageUUID string     `json:"message_uuid,omitempty"`
}

// OK reports whether the status is not an error.
func (s Status) OK() bool {
	return s.Status != StatusError
}

// Render marshals a document into a message of the given kind.
func Render(kind Kind, doc interface{}) (Message, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Body: b}, nil
}
