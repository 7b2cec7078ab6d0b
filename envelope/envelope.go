// Package envelope implements the command and response message envelopes
// exchanged over the broker.
//
// A command envelope carries an integer action code and an action-specific
// payload addressed to a peripheral index. Every command produces at least
// one response envelope; streamed transfers additionally produce start,
// progress and terminal notifications.
//
// Example:
//
//	cmd, err := envelope.DecodeCommand(body)
//	if err != nil {
//	    // malformed input, reject the delivery
//	}
//	resp := envelope.NewResponse(envelope.ActionServerFileTree, cmd.Data.Index, value)
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEnvelope indicates that raw bytes could not be decoded into a
// command envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrInvalidPayload indicates that the action-specific value of a command
// does not have the shape the handler requires.
var ErrInvalidPayload = errors.New("invalid payload")

// Action identifies the semantic meaning of a command or response envelope.
type Action int

// Action codes of the wire protocol. The numeric values are part of the
// external contract and must not change.
const (
	// ActionStartStreamFile signals the beginning of an upload stream.
	ActionStartStreamFile Action = 33
	// ActionFinishStreamFile signals the successful end of an upload stream.
	ActionFinishStreamFile Action = 34
	// ActionStreamFile requests a single-file upload to the peripheral.
	ActionStreamFile Action = 35
	// ActionStartDownloadFile signals the beginning of a download stream.
	ActionStartDownloadFile Action = 55
	// ActionFinishDownloadFile signals the successful end of a download stream.
	ActionFinishDownloadFile Action = 56
	// ActionErrorDownloadFile is the terminal error notification of a download stream.
	ActionErrorDownloadFile Action = 57
	// ActionGetServerFileTree requests a listing of a local directory.
	ActionGetServerFileTree Action = 58
	// ActionGetRemoteFileTree requests a listing of a peripheral directory.
	ActionGetRemoteFileTree Action = 59
	// ActionServerFileTree carries a local directory listing result.
	ActionServerFileTree Action = 60
	// ActionClientFileTree carries a peripheral directory listing result.
	ActionClientFileTree Action = 61
	// ActionError is the generic error response.
	ActionError Action = 62
	// ActionDeleteRemoteFile requests deletion of a single remote file.
	//
	// Code 63 is also documented as DOWNLOAD_FILE by some producers; the
	// dispatcher binds it per deployment, see dispatch.Table.
	ActionDeleteRemoteFile Action = 63
	// ActionDownloadFile is the legacy binding of code 63 requesting a
	// single-file download.
	ActionDownloadFile Action = 63
	// ActionDeleteRemoteDirectory requests recursive deletion of a remote directory.
	ActionDeleteRemoteDirectory Action = 64
	// ActionStreamDirectory requests a recursive directory upload.
	ActionStreamDirectory Action = 65
	// ActionDownloadDirectory requests a recursive directory download.
	ActionDownloadDirectory Action = 66
	// ActionProgressSendFile carries a Progress record of a running transfer.
	ActionProgressSendFile Action = 67
	// ActionListPeripherals requests the set of configured peripherals.
	ActionListPeripherals Action = 68
)

var actionNames = map[Action]string{
	ActionStartStreamFile:       "START_STREAM_FILE",
	ActionFinishStreamFile:      "FINISH_STREAM_FILE",
	ActionStreamFile:            "STREAM_FILE",
	ActionStartDownloadFile:     "START_DOWNLOAD_FILE",
	ActionFinishDownloadFile:    "FINISH_DOWNLOAD_FILE",
	ActionErrorDownloadFile:     "ERROR_DOWNLOAD_FILE",
	ActionGetServerFileTree:     "GET_SERVER_FILE_TREE",
	ActionGetRemoteFileTree:     "GET_REMOTE_FILE_TREE",
	ActionServerFileTree:        "SERVER_FILE_TREE",
	ActionClientFileTree:        "CLIENT_FILE_TREE",
	ActionError:                 "ERROR",
	ActionDeleteRemoteFile:      "DELETE_REMOTE_FILE",
	ActionDeleteRemoteDirectory: "DELETE_REMOTE_DIRECTORY",
	ActionStreamDirectory:       "STREAM_DIRECTORY",
	ActionDownloadDirectory:     "DOWNLOAD_DIRECTORY",
	ActionProgressSendFile:      "PROGRESS_SEND_FILE",
	ActionListPeripherals:       "LIST_PERIPHERALS",
}

// String returns the symbolic name of the action code, or a numeric form for
// unknown codes.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACTION_%d", int(a))
}

// Command is a decoded command envelope.
type Command struct {
	Action Action      `json:"action"`
	Data   CommandData `json:"data"`
}

// CommandData is the payload section of a command envelope. Value is kept
// raw because its shape depends on the action code; handlers decode it with
// DecodeValue. Extra is propagated verbatim into responses.
type CommandData struct {
	Index int             `json:"index"`
	Value json.RawMessage `json:"value,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Extra names an alternate outbound destination for a command's responses.
type Extra struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	SendTo string `json:"send_to"`
}

// SendTo returns the redirect destination named by the command's extra
// section, or the empty string when the command carries none.
func (c *Command) SendTo() string {
	if len(c.Data.Extra) == 0 {
		return ""
	}
	var extra Extra
	if err := json.Unmarshal(c.Data.Extra, &extra); err != nil {
		return ""
	}
	return extra.SendTo
}

// DecodeValue decodes the action-specific value into v. It fails with
// ErrInvalidPayload when the value is absent or has the wrong shape.
func (d CommandData) DecodeValue(v any) error {
	if len(d.Value) == 0 {
		return fmt.Errorf("%w: missing value", ErrInvalidPayload)
	}
	if err := json.Unmarshal(d.Value, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// TransferPayload is the value shape of single-file and directory transfer
// commands.
type TransferPayload struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// LocalListPayload is the value shape of local listing commands.
type LocalListPayload struct {
	LocalPath string `json:"local_path"`
}

// RemoteListPayload is the value shape of remote listing and deletion
// commands.
type RemoteListPayload struct {
	RemotePath string `json:"remote_path"`
}

// Progress reports the state of a running transfer. FileIndex and TotalFiles
// are set only for directory transfers.
type Progress struct {
	File       string `json:"file"`
	FileIndex  int    `json:"file_index,omitempty"`
	TotalFiles int    `json:"total_files,omitempty"`
	BytesSent  int64  `json:"bytes_sent"`
	TotalBytes int64  `json:"total_bytes"`
	Percent    int    `json:"percent"`
}

// ErrorValue is the value shape of an error response.
type ErrorValue struct {
	Message string `json:"message"`
}

// Response is a response envelope ready for encoding.
type Response struct {
	Action Action       `json:"action"`
	Data   ResponseData `json:"data"`
}

// ResponseData is the payload section of a response envelope. Timestamp is
// unix seconds. Extra, when set, is the verbatim extra section of the
// originating command.
type ResponseData struct {
	Index     int             `json:"index"`
	Value     any             `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// NewResponse builds a response envelope stamped with the current time.
func NewResponse(action Action, index int, value any) *Response {
	return &Response{
		Action: action,
		Data: ResponseData{
			Index:     index,
			Value:     value,
			Timestamp: time.Now().Unix(),
		},
	}
}

// DecodeCommand decodes raw bytes into a command envelope. It fails with
// ErrMalformedEnvelope if the bytes are not a JSON object, if action is
// missing or not an integer, or if data.index is missing or not an integer.
// The action-specific value shape is not validated here.
func DecodeCommand(body []byte) (*Command, error) {
	var raw struct {
		Action json.RawMessage `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	action, err := decodeInt(raw.Action, "action")
	if err != nil {
		return nil, err
	}

	if len(raw.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	var data struct {
		Index json.RawMessage `json:"index"`
		Value json.RawMessage `json:"value"`
		Extra json.RawMessage `json:"extra"`
	}
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedEnvelope, err)
	}

	index, err := decodeInt(data.Index, "data.index")
	if err != nil {
		return nil, err
	}

	return &Command{
		Action: Action(action),
		Data: CommandData{
			Index: index,
			Value: data.Value,
			Extra: data.Extra,
		},
	}, nil
}

// decodeInt enforces that a raw JSON field holds an integer. Decoding into
// int rejects floats, strings and null.
func decodeInt(raw json.RawMessage, field string) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, field)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformedEnvelope, field)
	}
	return n, nil
}

// Encode serializes a response envelope for publishing.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
