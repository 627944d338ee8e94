package command

import (
	"testing"

	"github.com/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
		err  error
	}{
		{"TARE", Command{Op: OpTare}, nil},
		{" tare \n", Command{Op: OpTare}, nil},
		{"READ", Command{Op: OpRead}, nil},
		{"CALIBRATION", Command{Op: OpCalibration}, nil},
		{"CALIBRATE:1000", Command{Op: OpCalibrate, ReferenceWeight: 1000}, nil},
		{"CALIBRATE: 12.5", Command{Op: OpCalibrate, ReferenceWeight: 12.5}, nil},
		{"CALIBRATE:0", Command{Op: OpCalibrate, ReferenceWeight: 0}, nil},
		{`{"message":"CALIBRATE:500","message_uuid":"abc"}`, Command{Op: OpCalibrate, ReferenceWeight: 500, UUID: "abc"}, nil},
		{`{"message":"TARE","message_uuid":"u-1"}`, Command{Op: OpTare, UUID: "u-1"}, nil},
		{"CALIBRATE", Command{}, ErrInvalidArgument},
		{"CALIBRATE:abc", Command{}, ErrInvalidArgument},
		{"TARE:1", Command{}, ErrInvalidArgument},
		{"FOO", Command{}, ErrUnknownCommand},
		{"", Command{}, ErrUnknownCommand},
		{`{"message":`, Command{}, ErrUnknownCommand},
	}
	for _, tc := range tests {
		got, err := Parse(tc.line)
		if tc.err != nil {
			if errors.Cause(err) != tc.err {
				t.Fatalf("Parse(%q): expected %v, got %v", tc.line, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v; want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseEnvelopeKeepsUUIDOnError(t *testing.T) {
	cmd, err := Parse(`{"message":"NOPE","message_uuid":"x-9"}`)
	if errors.Cause(err) != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if cmd.UUID != "x-9" {
		t.Fatalf("uuid lost: %+v", cmd)
	}
}

func TestString(t *testing.T) {
	if s := (Command{Op: OpCalibrate, ReferenceWeight: 1000}).String(); s != "CALIBRATE:1000" {
		t.Fatalf("got %q", s)
	}
	if s := (Command{Op: OpTare, UUID: "x"}).String(); s != "TARE" {
		t.Fatalf("got %q", s)
	}
}
