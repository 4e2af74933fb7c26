package protocol

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestArgEncodeDeterministic(t *testing.T) {
	tests := []struct {
		name string
		arg  Arg
		want string
	}{
		{"none", NoneArg(), "none"},
		{"address", AddressArg(addrX), "addr:0x1111111111111111111111111111111111111111"},
		{"int", IntArg(big.NewInt(-42)), "int:-42"},
		{"nil int", Arg{Kind: ArgInt}, "int:0"},
		{"buffer", BufferArg([]byte{0xde, 0xad}), "buf:0xdead"},
		{"string", StringArg(`quo"ted`), `str:"quo\"ted"`},
		{"bool", BoolArg(true), "bool:true"},
		{"list", ListArg(Uint64Arg(1), StringArg("x")), `list:[int:1,str:"x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.arg.String(); got != tt.want {
				t.Errorf("encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArgJSONRoundTrip(t *testing.T) {
	args := []Arg{
		NoneArg(),
		AddressArg(addrY),
		IntArg(new(big.Int).Lsh(big.NewInt(1), 100)), // larger than any JSON number
		BufferArg([]byte{1, 2, 3}),
		StringArg("hello"),
		BoolArg(false),
		ListArg(Uint64Arg(9), ListArg(BoolArg(true))),
	}

	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out []Arg
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != len(args) {
		t.Fatalf("got %d args, want %d", len(out), len(args))
	}
	for i := range args {
		if args[i].String() != out[i].String() {
			t.Errorf("arg %d: %q != %q", i, args[i].String(), out[i].String())
		}
	}
}

func TestArgJSONUnknownKind(t *testing.T) {
	var a Arg
	if err := json.Unmarshal([]byte(`{"type":"tuple","value":{}}`), &a); err == nil {
		t.Error("expected error for unknown arg kind")
	}
}
