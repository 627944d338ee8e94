// Package command parses the line protocol used to drive a bank:
//
//	TARE
//	CALIBRATE:<reference_weight>
//	READ
//	CALIBRATION
//
// A line may also be a JSON object {"message":"TARE","message_uuid":"..."}
// carrying a correlation id that is echoed in the status reply.
package command

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Op is a bank operation requested by a command.
type Op string

const (
	OpTare        Op = "TARE"
	OpCalibrate   Op = "CALIBRATE"
	OpRead        Op = "READ"
	OpCalibration Op = "CALIBRATION"
)

var (
	// ErrUnknownCommand is returned for lines that are not a command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidArgument is returned for a malformed command argument.
	ErrInvalidArgument = errors.New("invalid command argument")
)

// Command is a parsed request.
type Command struct {
	Op Op
	// ReferenceWeight is set for OpCalibrate.
	ReferenceWeight float64
	// UUID correlates the status reply with the request. Optional.
	UUID string
}

// String renders the command in its line form, without the correlation id.
func (c Command) String() string {
	if c.Op == OpCalibrate {
		return string(OpCalibrate) + ":" + strconv.FormatFloat(c.ReferenceWeight, 'f', -1, 64)
	}
	return string(c.Op)
}

type envelope struct {
	Message     string `json:"message"`
	MessageUUID string `json:"message_uuid"`
}

// Parse parses a bare or JSON wrapped command line.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return Command{}, errors.Wrapf(ErrUnknownCommand, "malformed envelope: %v", err)
		}
		cmd, err := parseLine(strings.TrimSpace(env.Message))
		cmd.UUID = env.MessageUUID
		return cmd, err
	}
	return parseLine(line)
}

func parseLine(line string) (Command, error) {
	name, arg, hasArg := strings.Cut(line, ":")
	op := Op(strings.ToUpper(strings.TrimSpace(name)))
	switch op {
	case OpTare, OpRead, OpCalibration:
		if hasArg {
			return Command{Op: op}, errors.Wrapf(ErrInvalidArgument, "%s takes no argument", op)
		}
		return Command{Op: op}, nil
	case OpCalibrate:
		if !hasArg {
			return Command{Op: op}, errors.Wrapf(ErrInvalidArgument, "%s requires a reference weight", op)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return Command{Op: op}, errors.Wrapf(ErrInvalidArgument, "reference weight %q", arg)
		}
		return Command{Op: op, ReferenceWeight: w}, nil
	default:
		return Command{}, errors.Wrapf(ErrUnknownCommand, "%q", line)
	}
}
