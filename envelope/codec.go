package envelope

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/rpcbridge/command"
)

// ErrIncompatible is wrapped by every decode error. The peer is either running an incompatible build or sent garbage.
var ErrIncompatible = errors.New("incompatible payload")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// payloads are opaque values, decode maps into something the rest of Go understands
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),

		// every integer comes back as int64, whatever its sign
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// commandItem is the wire form of a Command: [kind, tag, body].
type commandItem struct {
	_    struct{} `cbor:",toarray"`
	Kind string
	Tag  []byte
	Body cbor.RawMessage
}

// resultItem is the wire form of a Result: [tag, payload].
type resultItem struct {
	_       struct{} `cbor:",toarray"`
	Tag     []byte
	Payload any
}

type commandEnvelope struct {
	_    struct{} `cbor:",toarray"`
	Item commandItem
	Mode uint8
}

type resultEnvelope struct {
	_    struct{} `cbor:",toarray"`
	Item resultItem
	Mode uint8
}

// EncodeCommand serializes (cmd, mode).
func EncodeCommand(cmd command.Command, mode command.DeliveryMode) ([]byte, error) {
	body, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command body: %w", cmd.Kind(), err)
	}
	tag := cmd.Tag()
	return encMode.Marshal(commandEnvelope{
		Item: commandItem{Kind: cmd.Kind(), Tag: tag[:], Body: body},
		Mode: uint8(mode),
	})
}

// DecodeCommand deserializes a (Command, mode) tuple produced by EncodeCommand.
func DecodeCommand(b []byte) (command.Command, command.DeliveryMode, error) {
	var env commandEnvelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	mode := command.DeliveryMode(env.Mode)
	if !mode.Valid() {
		return nil, 0, fmt.Errorf("%w: invalid delivery mode %d", ErrIncompatible, env.Mode)
	}
	tag, err := decodeTag(env.Item.Tag)
	if err != nil {
		return nil, 0, err
	}
	cmd, err := command.New(env.Item.Kind, tag)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	if len(env.Item.Body) > 0 {
		if err := decMode.Unmarshal(env.Item.Body, cmd); err != nil {
			return nil, 0, fmt.Errorf("%w: decoding %s command body: %w", ErrIncompatible, env.Item.Kind, err)
		}
	}
	return cmd, mode, nil
}

// EncodeResult serializes (res, mode).
func EncodeResult(res command.Result, mode command.DeliveryMode) ([]byte, error) {
	b, err := encMode.Marshal(resultEnvelope{
		Item: resultItem{Tag: res.Tag[:], Payload: res.Payload},
		Mode: uint8(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return b, nil
}

// DecodeResult deserializes a (Result, mode) tuple produced by EncodeResult.
func DecodeResult(b []byte) (command.Result, command.DeliveryMode, error) {
	var env resultEnvelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return command.Result{}, 0, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	mode := command.DeliveryMode(env.Mode)
	if !mode.Valid() {
		return command.Result{}, 0, fmt.Errorf("%w: invalid delivery mode %d", ErrIncompatible, env.Mode)
	}
	tag, err := decodeTag(env.Item.Tag)
	if err != nil {
		return command.Result{}, 0, err
	}
	return command.Result{Tag: tag, Payload: env.Item.Payload}, mode, nil
}

func decodeTag(b []byte) (command.Tag, error) {
	var tag command.Tag
	if len(b) != len(tag) {
		return tag, fmt.Errorf("%w: tag is %d bytes, want %d", ErrIncompatible, len(b), len(tag))
	}
	copy(tag[:], b)
	return tag, nil
}
