package oxm

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Value is a field value of up to 128 bits. Fields narrower than 64 bits
// live in Lo.
type Value struct {
	Hi uint64
	Lo uint64
}

func U64(v uint64) Value {
	return Value{Lo: v}
}

func onesValue(width int) Value {
	switch {
	case width <= 0:
		return Value{}
	case width < 64:
		return Value{Lo: 1<<uint(width) - 1}
	case width == 64:
		return Value{Lo: ^uint64(0)}
	case width < 128:
		return Value{Hi: 1<<uint(width-64) - 1, Lo: ^uint64(0)}
	default:
		return Value{Hi: ^uint64(0), Lo: ^uint64(0)}
	}
}

func (v Value) And(m Value) Value {
	return Value{v.Hi & m.Hi, v.Lo & m.Lo}
}

func (v Value) Or(m Value) Value {
	return Value{v.Hi | m.Hi, v.Lo | m.Lo}
}

func (v Value) Xor(m Value) Value {
	return Value{v.Hi ^ m.Hi, v.Lo ^ m.Lo}
}

func (v Value) AndNot(m Value) Value {
	return Value{v.Hi &^ m.Hi, v.Lo &^ m.Lo}
}

func (v Value) Not() Value {
	return Value{^v.Hi, ^v.Lo}
}

func (v Value) IsZero() bool {
	return v.Hi == 0 && v.Lo == 0
}

// Bytes returns the big-endian representation truncated to n bytes.
func (v Value) Bytes(n int) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], v.Hi)
	binary.BigEndian.PutUint64(buf[8:], v.Lo)
	if n > 16 {
		n = 16
	}
	return append([]byte(nil), buf[16-n:]...)
}

// ValueFromBytes reads a big-endian value of at most 16 bytes.
func ValueFromBytes(p []byte) Value {
	var buf [16]byte
	if len(p) > 16 {
		p = p[len(p)-16:]
	}
	copy(buf[16-len(p):], p)
	return Value{
		Hi: binary.BigEndian.Uint64(buf[:8]),
		Lo: binary.BigEndian.Uint64(buf[8:]),
	}
}

func MacValue(hw net.HardwareAddr) Value {
	return ValueFromBytes(hw)
}

func IPv4Value(ip net.IP) Value {
	if v4 := ip.To4(); v4 != nil {
		return ValueFromBytes(v4)
	}
	return Value{}
}

func IPv6Value(ip net.IP) Value {
	if v6 := ip.To16(); v6 != nil {
		return ValueFromBytes(v6)
	}
	return Value{}
}

func (v Value) Mac() net.HardwareAddr {
	return net.HardwareAddr(v.Bytes(6))
}

func (v Value) IPv4() net.IP {
	return net.IP(v.Bytes(4))
}

func (v Value) IPv6() net.IP {
	return net.IP(v.Bytes(16))
}

func (v Value) String() string {
	if v.Hi != 0 {
		return fmt.Sprintf("0x%x%016x", v.Hi, v.Lo)
	}
	return fmt.Sprintf("0x%x", v.Lo)
}

// ValueMask is a ternary (value, mask) pair. A zero mask is a wildcard.
// Value bits outside of Mask are kept zero by the constructors.
type ValueMask struct {
	Value Value
	Mask  Value
}

// Exact builds a full-mask ternary for field f.
func Exact(f Field, v Value) ValueMask {
	m := f.FullMask()
	return ValueMask{Value: v.And(m), Mask: m}
}

// Masked builds a ternary for field f, normalising value bits outside of mask.
func Masked(f Field, v, mask Value) ValueMask {
	m := mask.And(f.FullMask())
	return ValueMask{Value: v.And(m), Mask: m}
}

func (vm ValueMask) IsWildcard() bool {
	return vm.Mask.IsZero()
}

// IsExact reports whether every bit of field f is significant.
func (vm ValueMask) IsExact(f Field) bool {
	return vm.Mask == f.FullMask()
}

// Matches reports whether packet value v satisfies this ternary.
func (vm ValueMask) Matches(v Value) bool {
	return v.And(vm.Mask) == vm.Value.And(vm.Mask)
}

// Overlaps reports whether at least one value satisfies both ternaries.
func (vm ValueMask) Overlaps(o ValueMask) bool {
	return vm.Value.Xor(o.Value).And(vm.Mask).And(o.Mask).IsZero()
}

// Covers reports whether every value satisfying o also satisfies vm.
func (vm ValueMask) Covers(o ValueMask) bool {
	if !vm.Mask.AndNot(o.Mask).IsZero() {
		return false
	}
	return o.Value.And(vm.Mask) == vm.Value.And(vm.Mask)
}

// Generalize returns the most specific ternary covering both vm and o.
func (vm ValueMask) Generalize(o ValueMask) ValueMask {
	mask := vm.Mask.And(o.Mask).AndNot(vm.Value.Xor(o.Value))
	return ValueMask{Value: vm.Value.And(mask), Mask: mask}
}

// Fields is a fixed record of packet field values with a presence bitmap.
type Fields struct {
	values  [FieldMax]Value
	present FieldSet
}

func (fs *Fields) Set(f Field, v Value) {
	if !f.Valid() {
		return
	}
	fs.values[f] = v.And(f.FullMask())
	fs.present = fs.present.Add(f)
}

func (fs *Fields) Clear(f Field) {
	if !f.Valid() {
		return
	}
	fs.values[f] = Value{}
	fs.present = fs.present.Remove(f)
}

func (fs *Fields) Get(f Field) (Value, bool) {
	if !fs.present.Has(f) {
		return Value{}, false
	}
	return fs.values[f], true
}

func (fs *Fields) Has(f Field) bool {
	return fs.present.Has(f)
}

// Present returns the set of fields carried by the record.
func (fs *Fields) Present() FieldSet {
	return fs.present
}

// Value returns the raw slot for f, zero when absent.
func (fs *Fields) Value(f Field) Value {
	if !f.Valid() {
		return Value{}
	}
	return fs.values[f]
}

func (fs Fields) String() string {
	var ret []Oxm
	fs.present.Each(func(f Field) {
		ret = append(ret, Oxm{Field: f, ValueMask: Exact(f, fs.values[f])})
	})
	return FormatAll(ret)
}
