package signalr

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// UnionRegistry maps the concrete variants of one polymorphic wire type
// to their tags. The same declaration drives both codecs: messagepack
// encodes a variant as [tag, payload-array], json as
// {"$dtype": name, "$value": payload-object}. A nil value travels as
// msgpack nil / json null.
//
// Hub packages declare a registry per union and wrap it in a small
// struct whose EncodeMsgpack/DecodeMsgpack/MarshalJSON/UnmarshalJSON
// delegate here, so variants nest transparently inside other models.
type UnionRegistry struct {
	name   string
	byTag  map[int]reflect.Type
	byName map[string]reflect.Type
	tags   map[reflect.Type]int
	names  map[reflect.Type]string
}

// NewUnionRegistry creates a registry; name appears in error messages.
func NewUnionRegistry(name string) *UnionRegistry {
	return &UnionRegistry{
		name:   name,
		byTag:  make(map[int]reflect.Type),
		byName: make(map[string]reflect.Type),
		tags:   make(map[reflect.Type]int),
		names:  make(map[reflect.Type]string),
	}
}

// Register adds one variant. prototype is a zero value of the concrete
// struct. Duplicate tags or names panic at startup, not at runtime.
func (r *UnionRegistry) Register(tag int, name string, prototype any) *UnionRegistry {
	typ := reflect.TypeOf(prototype)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if _, dup := r.byTag[tag]; dup {
		panic(fmt.Sprintf("union %s: duplicate tag %d", r.name, tag))
	}
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("union %s: duplicate name %s", r.name, name))
	}
	r.byTag[tag] = typ
	r.byName[name] = typ
	r.tags[typ] = tag
	r.names[typ] = name
	return r
}

func (r *UnionRegistry) lookup(v any) (reflect.Type, int, string, error) {
	typ := reflect.TypeOf(v)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	tag, ok := r.tags[typ]
	if !ok {
		return nil, 0, "", fmt.Errorf("union %s: unregistered variant %T", r.name, v)
	}
	return typ, tag, r.names[typ], nil
}

// EncodeMsgpack writes v as [tag, payload]; nil as msgpack nil.
func (r *UnionRegistry) EncodeMsgpack(enc *msgpack.Encoder, v any) error {
	if v == nil {
		return enc.EncodeNil()
	}
	_, tag, _, err := r.lookup(v)
	if err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(tag)); err != nil {
		return err
	}
	return enc.Encode(v)
}

// DecodeMsgpack reads [tag, payload] and returns the concrete variant
// value, or nil for msgpack nil.
func (r *UnionRegistry) DecodeMsgpack(dec *msgpack.Decoder) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if code == msgpcode.Nil {
		return nil, dec.DecodeNil()
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("union %s: not an array: %w", r.name, err)
	}
	if n != 2 {
		return nil, fmt.Errorf("union %s: expected 2 elements, got %d", r.name, n)
	}
	tag, err := dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("union %s: tag: %w", r.name, err)
	}
	typ, ok := r.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("union %s: unknown tag %d", r.name, tag)
	}
	out := reflect.New(typ)
	if err := dec.Decode(out.Interface()); err != nil {
		return nil, fmt.Errorf("union %s: payload for tag %d: %w", r.name, tag, err)
	}
	return out.Elem().Interface(), nil
}

type unionEnvelope struct {
	Dtype string          `json:"$dtype"`
	Value json.RawMessage `json:"$value"`
}

// MarshalJSON writes v as {"$dtype", "$value"}; nil as null.
func (r *UnionRegistry) MarshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	_, _, name, err := r.lookup(v)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("union %s: payload for %s: %w", r.name, name, err)
	}
	return json.Marshal(unionEnvelope{Dtype: name, Value: value})
}

// UnmarshalJSON reads the {"$dtype", "$value"} envelope and returns the
// concrete variant value, or nil for null.
func (r *UnionRegistry) UnmarshalJSON(data []byte) (any, error) {
	if string(data) == "null" {
		return nil, nil
	}
	var env unionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("union %s: envelope: %w", r.name, err)
	}
	typ, ok := r.byName[env.Dtype]
	if !ok {
		return nil, fmt.Errorf("union %s: unknown variant %q", r.name, env.Dtype)
	}
	out := reflect.New(typ)
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, out.Interface()); err != nil {
			return nil, fmt.Errorf("union %s: payload for %s: %w", r.name, env.Dtype, err)
		}
	}
	return out.Elem().Interface(), nil
}
