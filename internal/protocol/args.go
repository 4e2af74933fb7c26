package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ArgKind identifies one variant of the closed argument union.
// Intents carry only these typed values so that cache-key derivation and
// signing payloads are deterministic.
type ArgKind string

const (
	ArgNone    ArgKind = "none"
	ArgAddress ArgKind = "address"
	ArgInt     ArgKind = "int"
	ArgBuffer  ArgKind = "buffer"
	ArgString  ArgKind = "string"
	ArgBool    ArgKind = "bool"
	ArgList    ArgKind = "list"
)

// Arg is a tagged-union argument value. Exactly one of the value fields is
// meaningful, selected by Kind.
type Arg struct {
	Kind    ArgKind
	Address common.Address
	Int     *big.Int
	Buffer  []byte
	Str     string
	Bool    bool
	List    []Arg
}

func NoneArg() Arg { return Arg{Kind: ArgNone} }

func AddressArg(a common.Address) Arg { return Arg{Kind: ArgAddress, Address: a} }

func IntArg(v *big.Int) Arg { return Arg{Kind: ArgInt, Int: new(big.Int).Set(v)} }

func Uint64Arg(v uint64) Arg { return Arg{Kind: ArgInt, Int: new(big.Int).SetUint64(v)} }

func BufferArg(b []byte) Arg { return Arg{Kind: ArgBuffer, Buffer: append([]byte(nil), b...)} }

func StringArg(s string) Arg { return Arg{Kind: ArgString, Str: s} }

func BoolArg(b bool) Arg { return Arg{Kind: ArgBool, Bool: b} }

func ListArg(items ...Arg) Arg { return Arg{Kind: ArgList, List: items} }

// AsAddress returns the address value, or false if the arg is not an address.
func (a Arg) AsAddress() (common.Address, bool) {
	if a.Kind != ArgAddress {
		return common.Address{}, false
	}
	return a.Address, true
}

// AsInt returns a copy of the integer value, or false if the arg is not an int.
func (a Arg) AsInt() (*big.Int, bool) {
	if a.Kind != ArgInt || a.Int == nil {
		return nil, false
	}
	return new(big.Int).Set(a.Int), true
}

// AsString returns the string value, or false if the arg is not a string.
func (a Arg) AsString() (string, bool) {
	if a.Kind != ArgString {
		return "", false
	}
	return a.Str, true
}

// AsList returns the list items, or false if the arg is not a list.
func (a Arg) AsList() ([]Arg, bool) {
	if a.Kind != ArgList {
		return nil, false
	}
	return a.List, true
}

// Encode writes a canonical textual form of the arg. The encoding is
// deterministic: equal values always produce equal strings, so it is safe to
// use for cache keys and signing payloads.
func (a Arg) Encode(sb *strings.Builder) {
	switch a.Kind {
	case ArgNone:
		sb.WriteString("none")
	case ArgAddress:
		sb.WriteString("addr:")
		sb.WriteString(strings.ToLower(a.Address.Hex()))
	case ArgInt:
		sb.WriteString("int:")
		if a.Int != nil {
			sb.WriteString(a.Int.String())
		} else {
			sb.WriteString("0")
		}
	case ArgBuffer:
		sb.WriteString("buf:")
		sb.WriteString(hexutil.Encode(a.Buffer))
	case ArgString:
		sb.WriteString("str:")
		sb.WriteString(strconv.Quote(a.Str))
	case ArgBool:
		sb.WriteString("bool:")
		sb.WriteString(strconv.FormatBool(a.Bool))
	case ArgList:
		sb.WriteString("list:[")
		for i, item := range a.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.Encode(sb)
		}
		sb.WriteByte(']')
	default:
		sb.WriteString("unknown")
	}
}

// String returns the canonical encoding of the arg.
func (a Arg) String() string {
	var sb strings.Builder
	a.Encode(&sb)
	return sb.String()
}

// EncodeArgs returns the canonical encoding of an argument sequence.
func EncodeArgs(args []Arg) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(',')
		}
		a.Encode(&sb)
	}
	return sb.String()
}

// DeepCopy returns a copy sharing no mutable state with the receiver.
func (a Arg) DeepCopy() Arg {
	cp := Arg{Kind: a.Kind, Address: a.Address, Str: a.Str, Bool: a.Bool}
	if a.Int != nil {
		cp.Int = new(big.Int).Set(a.Int)
	}
	if a.Buffer != nil {
		cp.Buffer = append([]byte(nil), a.Buffer...)
	}
	if a.List != nil {
		cp.List = make([]Arg, len(a.List))
		for i, item := range a.List {
			cp.List[i] = item.DeepCopy()
		}
	}
	return cp
}

// argJSON is the wire representation of an Arg.
type argJSON struct {
	Type  ArgKind         `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (a Arg) MarshalJSON() ([]byte, error) {
	out := argJSON{Type: a.Kind}

	var (
		val []byte
		err error
	)
	switch a.Kind {
	case ArgNone:
		// no value
	case ArgAddress:
		val, err = json.Marshal(a.Address)
	case ArgInt:
		n := a.Int
		if n == nil {
			n = new(big.Int)
		}
		val, err = json.Marshal(n.String())
	case ArgBuffer:
		val, err = json.Marshal(hexutil.Bytes(a.Buffer))
	case ArgString:
		val, err = json.Marshal(a.Str)
	case ArgBool:
		val, err = json.Marshal(a.Bool)
	case ArgList:
		items := a.List
		if items == nil {
			items = []Arg{}
		}
		val, err = json.Marshal(items)
	default:
		return nil, fmt.Errorf("marshal arg: unknown kind %q", a.Kind)
	}
	if err != nil {
		return nil, err
	}
	out.Value = val
	return json.Marshal(out)
}

func (a *Arg) UnmarshalJSON(data []byte) error {
	var in argJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*a = Arg{Kind: in.Type}
	switch in.Type {
	case ArgNone:
		return nil
	case ArgAddress:
		return json.Unmarshal(in.Value, &a.Address)
	case ArgInt:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("unmarshal arg: invalid integer %q", s)
		}
		a.Int = n
		return nil
	case ArgBuffer:
		var b hexutil.Bytes
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return err
		}
		a.Buffer = b
		return nil
	case ArgString:
		return json.Unmarshal(in.Value, &a.Str)
	case ArgBool:
		return json.Unmarshal(in.Value, &a.Bool)
	case ArgList:
		return json.Unmarshal(in.Value, &a.List)
	default:
		return fmt.Errorf("unmarshal arg: unknown kind %q", in.Type)
	}
}
