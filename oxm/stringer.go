package oxm

import (
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// Oxm is a single field ternary.
type Oxm struct {
	Field Field
	ValueMask
}

var portNames = map[string]uint32{
	"IN_PORT":    OFPP_IN_PORT,
	"TABLE":      OFPP_TABLE,
	"NORMAL":     OFPP_NORMAL,
	"FLOOD":      OFPP_FLOOD,
	"ALL":        OFPP_ALL,
	"CONTROLLER": OFPP_CONTROLLER,
	"LOCAL":      OFPP_LOCAL,
	"ANY":        OFPP_ANY,
}

// ParsePort accepts a number or a reserved port name.
func ParsePort(txt string) (uint32, error) {
	if v, ok := portNames[strings.ToUpper(txt)]; ok {
		return v, nil
	}
	v, err := strconv.ParseUint(txt, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("port parse error %q", txt)
	}
	return uint32(v), nil
}

// PortString is the inverse of ParsePort.
func PortString(port uint32) string {
	for name, v := range portNames {
		if v == port {
			return strings.ToLower(name)
		}
	}
	return strconv.FormatUint(uint64(port), 10)
}

func (o Oxm) String() string {
	return o.Field.String() + "=" + FormatValueMask(o.Field, o.ValueMask)
}

// FormatAll joins the textual representation of a list of fields.
func FormatAll(list []Oxm) string {
	ret := make([]string, len(list))
	for i, o := range list {
		ret[i] = o.String()
	}
	return strings.Join(ret, ",")
}

// FormatValue renders a value in the natural notation of field f.
func FormatValue(f Field, v Value) string {
	if !f.Valid() {
		return v.String()
	}
	switch fieldDefs[f].kind {
	case kindPort:
		return PortString(uint32(v.Lo))
	case kindMac:
		return v.Mac().String()
	case kindIPv4:
		return v.IPv4().String()
	case kindIPv6:
		return v.IPv6().String()
	case kindUint:
		return strconv.FormatUint(v.Lo, 10)
	default:
		return v.String()
	}
}

// FormatValueMask renders "value" or "value/mask" for field f.
func FormatValueMask(f Field, vm ValueMask) string {
	if vm.IsExact(f) {
		return FormatValue(f, vm.Value)
	}
	return FormatValue(f, vm.Value) + "/" + FormatValue(f, vm.Mask)
}

func parsePair(txt string) (string, string) {
	pair := strings.SplitN(txt, "/", 2)
	if len(pair) == 2 {
		return pair[0], pair[1]
	}
	return pair[0], ""
}

func parseUint(f Field, txt string) (Value, error) {
	if f.Bits() <= 64 {
		v, err := strconv.ParseUint(txt, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("integer capture failed for %s: %q", f, txt)
		}
		if v&^f.FullMask().Lo != 0 {
			return Value{}, fmt.Errorf("%s value 0x%x exceeds %d bits", f, v, f.Bits())
		}
		return U64(v), nil
	}
	n, ok := new(big.Int).SetString(txt, 0)
	if !ok || n.Sign() < 0 || n.BitLen() > f.Bits() {
		return Value{}, fmt.Errorf("integer capture failed for %s: %q", f, txt)
	}
	return ValueFromBytes(n.Bytes()), nil
}

// ParseValue reads a single value in the natural notation of field f.
func ParseValue(f Field, txt string) (Value, error) {
	if !f.Valid() {
		return Value{}, fmt.Errorf("unknown field %d", f)
	}
	switch fieldDefs[f].kind {
	case kindPort:
		p, err := ParsePort(txt)
		return U64(uint64(p)), err
	case kindMac:
		hw, err := net.ParseMAC(txt)
		if err != nil {
			return Value{}, err
		}
		return MacValue(hw), nil
	case kindIPv4:
		ip := net.ParseIP(txt)
		if ip == nil || ip.To4() == nil {
			return Value{}, fmt.Errorf("IP parse error %s", txt)
		}
		return IPv4Value(ip), nil
	case kindIPv6:
		ip := net.ParseIP(txt)
		if ip == nil {
			return Value{}, fmt.Errorf("IP parse error %s", txt)
		}
		return IPv6Value(ip), nil
	default:
		return parseUint(f, txt)
	}
}

func parseMask(f Field, txt string) (Value, error) {
	switch fieldDefs[f].kind {
	case kindIPv4, kindIPv6:
		if ones, err := strconv.Atoi(txt); err == nil {
			width := f.Bits()
			if ones < 0 || ones > width {
				return Value{}, fmt.Errorf("prefix length %d out of range", ones)
			}
			return onesValue(width).AndNot(onesValue(width - ones)), nil
		}
	}
	return ParseValue(f, txt)
}

// ParseOne reads a "label=value[/mask]" token.
func ParseOne(txt string) (Oxm, error) {
	labelIdx := strings.IndexRune(txt, '=')
	if labelIdx <= 0 {
		return Oxm{}, fmt.Errorf("field token %q has no label", txt)
	}
	f, ok := FieldByName(txt[:labelIdx])
	if !ok {
		return Oxm{}, fmt.Errorf("unknown field %q", txt[:labelIdx])
	}
	value, mask := parsePair(txt[labelIdx+1:])
	v, err := ParseValue(f, value)
	if err != nil {
		return Oxm{}, err
	}
	if len(mask) == 0 {
		return Oxm{Field: f, ValueMask: Exact(f, v)}, nil
	}
	if !f.Maskable() {
		return Oxm{}, fmt.Errorf("%s not maskable", f)
	}
	m, err := parseMask(f, mask)
	if err != nil {
		return Oxm{}, err
	}
	if !v.AndNot(m).IsZero() {
		return Oxm{}, fmt.Errorf("%s value has bits outside of mask", f)
	}
	return Oxm{Field: f, ValueMask: Masked(f, v, m)}, nil
}

// Parse reads a comma separated list of field tokens.
func Parse(txt string) ([]Oxm, error) {
	var ret []Oxm
	for _, token := range strings.Split(txt, ",") {
		token = strings.TrimSpace(token)
		if len(token) == 0 {
			continue
		}
		o, err := ParseOne(token)
		if err != nil {
			return nil, err
		}
		ret = append(ret, o)
	}
	return ret, nil
}

// ParseFields reads exact field tokens into a packet field record.
func ParseFields(txt string) (Fields, error) {
	var fs Fields
	list, err := Parse(txt)
	if err != nil {
		return fs, err
	}
	for _, o := range list {
		if !o.IsExact(o.Field) {
			return fs, fmt.Errorf("%s: packet fields can not be masked", o.Field)
		}
		fs.Set(o.Field, o.Value)
	}
	return fs, nil
}
