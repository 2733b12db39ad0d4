package definitions

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindBool    Kind = "bool"
	KindU8      Kind = "u8"
	KindU16     Kind = "u16"
	KindU32     Kind = "u32"
	KindU64     Kind = "u64"
	KindI64     Kind = "i64"
	KindU128    Kind = "u128"
	KindString  Kind = "string"
	KindPubkey  Kind = "pubkey"
	KindVec     Kind = "vec"
	KindArray   Kind = "array"
	KindOption  Kind = "option"
	KindDefined Kind = "defined"
)

// Type is a declared argument or field type. Composite kinds carry their
// element in Elem; arrays also carry Len.
type Type struct {
	Kind    Kind
	Elem    *Type
	Len     int
	Defined string
}

func (t Type) String() string {
	switch t.Kind {
	case KindVec, KindOption:
		return fmt.Sprintf("%s<%s>", t.Kind, t.Elem)
	case KindArray:
		return fmt.Sprintf("[%s;%d]", t.Elem, t.Len)
	case KindDefined:
		return t.Defined
	default:
		return string(t.Kind)
	}
}

func (t Type) bits() int {
	switch t.Kind {
	case KindU8:
		return 8
	case KindU16:
		return 16
	case KindU32:
		return 32
	default:
		return 64
	}
}

// UnmarshalJSON accepts both the current ("pubkey", {"defined":{"name":..}})
// and the legacy ("publicKey", {"defined":"..."}) spellings.
func (t *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "publicKey":
			t.Kind = KindPubkey
		case "bytes":
			t.Kind = KindVec
			t.Elem = &Type{Kind: KindU8}
		default:
			t.Kind = Kind(name)
		}
		return nil
	}

	var obj struct {
		Vec     *Type             `json:"vec"`
		Option  *Type             `json:"option"`
		Array   []json.RawMessage `json:"array"`
		Defined json.RawMessage   `json:"defined"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid type %s: %w", data, err)
	}

	switch {
	case obj.Vec != nil:
		t.Kind, t.Elem = KindVec, obj.Vec
	case obj.Option != nil:
		t.Kind, t.Elem = KindOption, obj.Option
	case len(obj.Array) == 2:
		var elem Type
		if err := json.Unmarshal(obj.Array[0], &elem); err != nil {
			return err
		}
		if err := json.Unmarshal(obj.Array[1], &t.Len); err != nil {
			return fmt.Errorf("invalid array length %s: %w", obj.Array[1], err)
		}
		t.Kind, t.Elem = KindArray, &elem
	case len(obj.Defined) > 0:
		t.Kind = KindDefined
		if err := json.Unmarshal(obj.Defined, &t.Defined); err != nil {
			var named struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(obj.Defined, &named); err != nil {
				return fmt.Errorf("invalid defined type %s: %w", obj.Defined, err)
			}
			t.Defined = named.Name
		}
	default:
		return fmt.Errorf("unknown type %s", data)
	}
	return nil
}
