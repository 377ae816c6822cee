package dispatch

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/mortifiers/memflow-cli/internal/types"
)

// Command parameter structs. Params arrive as loose key-value objects
// and are decoded into these; a decode failure is a client fault and
// reports ProtocolError{Malformed}.

type connectParams struct {
	Connector  string            `mapstructure:"connector"`
	Os         string            `mapstructure:"os"`
	Args       map[string]string `mapstructure:"args"`
	Detachable *bool             `mapstructure:"detachable"`
}

type sessionParams struct {
	Session string `mapstructure:"session"`
}

type openProcessParams struct {
	Session string  `mapstructure:"session"`
	PID     *uint32 `mapstructure:"pid"`
	Name    string  `mapstructure:"name"`
}

type processParams struct {
	Session string `mapstructure:"session"`
	PID     uint32 `mapstructure:"pid"`
}

type readMemoryParams struct {
	Session string `mapstructure:"session"`
	PID     uint32 `mapstructure:"pid"`
	Address uint64 `mapstructure:"address"`
	Length  int    `mapstructure:"length"`
}

type writeMemoryParams struct {
	Session string `mapstructure:"session"`
	PID     uint32 `mapstructure:"pid"`
	Address uint64 `mapstructure:"address"`
	Data    []byte `mapstructure:"data"`
}

type translateParams struct {
	Session string `mapstructure:"session"`
	PID     uint32 `mapstructure:"pid"`
	Address uint64 `mapstructure:"address"`
}

type mountParams struct {
	Session  string `mapstructure:"session"`
	PID      uint32 `mapstructure:"pid"`
	Path     string `mapstructure:"path"`
	Writable bool   `mapstructure:"writable"`
}

type umountParams struct {
	Session string `mapstructure:"session"`
	Path    string `mapstructure:"path"`
}

type spawnGdbParams struct {
	Session string `mapstructure:"session"`
	PID     uint32 `mapstructure:"pid"`
	Port    int    `mapstructure:"port"`
}

type stopGdbParams struct {
	Session string `mapstructure:"session"`
	Port    int    `mapstructure:"port"`
}

type detachParams struct {
	Session string `mapstructure:"session"`
	Detach  *bool  `mapstructure:"detach"`
}

// decodeParams decodes a params object into a typed struct. Numeric
// fields accept JSON numbers and "0x"-prefixed hex strings; []byte
// fields accept base64 strings.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(hexStringToUintHook, base64ToBytesHook),
	})
	if err != nil {
		return types.Wrap(types.KindProtocol, "building params decoder", err)
	}
	if err := dec.Decode(params); err != nil {
		return types.WrapReason(types.KindProtocol, types.ReasonMalformed, "invalid command params", err)
	}
	return nil
}

// hexStringToUintHook lets clients pass addresses as "0x1000" instead
// of raw numbers.
func hexStringToUintHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Uint64, reflect.Uint32, reflect.Uint, reflect.Int, reflect.Int64:
	default:
		return data, nil
	}
	s := data.(string)
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// base64ToBytesHook decodes base64 strings into []byte fields, the
// same representation encoding/json uses on the way out.
func base64ToBytesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]byte(nil)) {
		return data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(data.(string))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return raw, nil
}

// parseSessionID validates the session param.
func parseSessionID(s string) (types.SessionID, error) {
	if s == "" {
		return "", types.NewReason(types.KindProtocol, types.ReasonMalformed, "missing session id")
	}
	id, err := types.ParseSessionID(s)
	if err != nil {
		return "", types.WrapReason(types.KindProtocol, types.ReasonMalformed, "invalid session id", err)
	}
	return id, nil
}
