/*
Package ofctl reads and writes the ovs-ofctl like text form of flow entries
and groups.

A flow is a comma separated list of tokens. Match fields and entry
attributes come first; each "@" token then opens an instruction:

	table=0,priority=10,in_port=1,@apply,output=2,@goto=1
	table=1,eth_type=0x0800,ipv4_dst=10.0.0.0/255.0.0.0,@write,set_field=00:00:00:00:00:01->eth_dst,output=3

A group lists its buckets, with ":" separating the actions of a bucket:

	group_id=1,type=all,bucket=output:2,bucket=output:3
	group_id=2,type=ff,bucket=watch_port:2,output:2,bucket=watch_port:3,output:3
*/
package ofctl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hkwi/ofpipe/ofp4sw"
	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
)

const (
	phaseMatch = iota
	phaseApply
	phaseClear
	phaseWrite
	phaseMeta
	phaseGoto
)

func parseLabeledValue(token string) (label, value string) {
	kv := strings.SplitN(token, "=", 2)
	if len(kv) > 1 {
		return strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
	}
	return strings.TrimSpace(kv[0]), ""
}

func parseUint(txt string, bitSize int) (uint64, error) {
	n, err := strconv.ParseUint(txt, 0, bitSize)
	if err != nil {
		return 0, errors.Wrapf(err, "%q", txt)
	}
	return n, nil
}

// parseValueMask reads "v" or "v/m"; a missing mask is all ones.
func parseValueMask(txt string) (uint64, uint64, error) {
	vm := strings.SplitN(txt, "/", 2)
	v, err := parseUint(vm[0], 64)
	if err != nil {
		return 0, 0, err
	}
	m := ^uint64(0)
	if len(vm) == 2 {
		if m, err = parseUint(vm[1], 64); err != nil {
			return 0, 0, err
		}
	}
	return v, m, nil
}

var flagNames = map[string]uint16{
	"send_flow_rem": ofp4sw.OFPFF_SEND_FLOW_REM,
	"check_overlap": ofp4sw.OFPFF_CHECK_OVERLAP,
	"reset_counts":  ofp4sw.OFPFF_RESET_COUNTS,
	"no_pkt_counts": ofp4sw.OFPFF_NO_PKT_COUNTS,
	"no_byt_counts": ofp4sw.OFPFF_NO_BYT_COUNTS,
}

// ParseAction reads one action token such as "output=2", "group=7",
// "push_vlan=0x8100", "set_field=10.0.0.1->ipv4_dst" or "set_ipv4_dst=10.0.0.1".
func ParseAction(token string) (ofp4sw.Action, error) {
	label, value := parseLabeledValue(token)
	switch label {
	case "copy_ttl_out", "copy_ttl_in", "dec_mpls_ttl", "pop_vlan", "dec_nw_ttl", "pop_pbb":
		t, _ := ofp4sw.ActionTypeByName(label)
		return ofp4sw.ActionGeneric(t), nil
	case "output":
		vs := strings.SplitN(value, ":", 2)
		port, err := oxm.ParsePort(vs[0])
		if err != nil {
			return nil, err
		}
		maxLen := uint64(ofp4sw.OFPCML_NO_BUFFER)
		if len(vs) > 1 {
			if maxLen, err = parseUint(vs[1], 16); err != nil {
				return nil, err
			}
		}
		return ofp4sw.ActionOutput{Port: port, MaxLen: uint16(maxLen)}, nil
	case "set_mpls_ttl", "set_nw_ttl":
		v, err := parseUint(value, 8)
		if err != nil {
			return nil, err
		}
		if label == "set_mpls_ttl" {
			return ofp4sw.ActionMplsTtl{Ttl: uint8(v)}, nil
		}
		return ofp4sw.ActionNwTtl{Ttl: uint8(v)}, nil
	case "push_vlan", "push_mpls", "push_pbb", "pop_mpls":
		v, err := parseUint(value, 16)
		if err != nil {
			return nil, err
		}
		if label == "pop_mpls" {
			return ofp4sw.ActionPopMpls{Ethertype: uint16(v)}, nil
		}
		t, _ := ofp4sw.ActionTypeByName(label)
		return ofp4sw.ActionPush{Op: t, Ethertype: uint16(v)}, nil
	case "group", "set_queue":
		v, err := parseUint(value, 32)
		if err != nil {
			return nil, err
		}
		if label == "group" {
			return ofp4sw.ActionGroup{GroupId: uint32(v)}, nil
		}
		return ofp4sw.ActionSetQueue{QueueId: uint32(v)}, nil
	case "set_field":
		idx := strings.LastIndex(value, "->")
		if idx < 0 {
			return nil, errors.Errorf("set_field %q lacks ->field", value)
		}
		return parseSetField(value[idx+2:], value[:idx])
	}
	if strings.HasPrefix(label, "set_") {
		return parseSetField(strings.TrimPrefix(label, "set_"), value)
	}
	return nil, errors.Errorf("unknown action %q", token)
}

func parseSetField(name, value string) (ofp4sw.Action, error) {
	f, ok := oxm.FieldByName(name)
	if !ok {
		return nil, errors.Errorf("unknown field %q", name)
	}
	v, err := oxm.ParseValue(f, value)
	if err != nil {
		return nil, err
	}
	return ofp4sw.ActionSetField{Field: f, Value: v}, nil
}

// ParseActions reads a comma separated action list.
func ParseActions(txt string) (ofp4sw.ActionList, error) {
	var ret ofp4sw.ActionList
	for _, token := range strings.Split(txt, ",") {
		if token = strings.TrimSpace(token); token == "" {
			continue
		}
		act, err := ParseAction(token)
		if err != nil {
			return nil, err
		}
		ret = append(ret, act)
	}
	return ret, nil
}

/*
Flow is a parsed flow text. Mod carries the entry, Filter the selector
for modify, delete and dump requests.
*/
type Flow struct {
	Mod    ofp4sw.FlowMod
	Filter ofp4sw.FlowFilter
}

// ParseFlow reads a flow text. Without "table=", the flow names table 0
// and its filter names every table.
func ParseFlow(txt string) (Flow, error) {
	ret := Flow{Filter: ofp4sw.AllFlows()}
	var matches []oxm.Oxm
	tableSet := false
	phase := phaseMatch
	for _, token := range strings.Split(txt, ",") {
		if token = strings.TrimSpace(token); token == "" {
			continue
		}
		label, value := parseLabeledValue(token)
		switch label {
		case "@apply", "@apply_actions":
			phase = phaseApply
			continue
		case "@clear", "@clear_actions":
			phase = phaseClear
			ret.Mod.Instructions.Clear = true
			continue
		case "@write", "@write_actions":
			phase = phaseWrite
			continue
		case "@metadata", "@write_metadata":
			phase = phaseMeta
			v, m, err := parseValueMask(value)
			if err != nil {
				return ret, err
			}
			ret.Mod.Instructions.Metadata = &ofp4sw.WriteMetadata{Metadata: v, Mask: m}
			continue
		case "@goto", "@goto_table":
			phase = phaseGoto
			v, err := parseUint(value, 8)
			if err != nil {
				return ret, err
			}
			ret.Mod.Instructions.Goto = uint8(v)
			continue
		}
		switch phase {
		case phaseApply, phaseWrite:
			act, err := ParseAction(token)
			if err != nil {
				return ret, err
			}
			if phase == phaseApply {
				ret.Mod.Instructions.Apply = append(ret.Mod.Instructions.Apply, act)
			} else {
				ret.Mod.Instructions.Write = append(ret.Mod.Instructions.Write, act)
			}
			continue
		case phaseMatch:
		default:
			return ret, errors.Errorf("%q after an instruction without arguments", token)
		}
		switch label {
		case "table":
			v, err := parseUint(value, 8)
			if err != nil {
				return ret, err
			}
			ret.Mod.TableId = uint8(v)
			tableSet = true
		case "priority", "idle_timeout", "hard_timeout":
			v, err := parseUint(value, 16)
			if err != nil {
				return ret, err
			}
			switch label {
			case "priority":
				ret.Mod.Priority = uint16(v)
			case "idle_timeout":
				ret.Mod.IdleTimeout = uint16(v)
			case "hard_timeout":
				ret.Mod.HardTimeout = uint16(v)
			}
		case "cookie":
			vm := strings.SplitN(value, "/", 2)
			v, err := parseUint(vm[0], 64)
			if err != nil {
				return ret, err
			}
			ret.Mod.Cookie = v
			if len(vm) == 2 {
				m, err := parseUint(vm[1], 64)
				if err != nil {
					return ret, err
				}
				ret.Mod.CookieMask = m
			}
		case "flags":
			for _, name := range strings.Split(value, "|") {
				flag, ok := flagNames[name]
				if !ok {
					return ret, errors.Errorf("unknown flag %q", name)
				}
				ret.Mod.Flags |= flag
			}
		case "out_port":
			v, err := oxm.ParsePort(value)
			if err != nil {
				return ret, err
			}
			ret.Filter.OutPort = v
		case "out_group":
			v, err := parseUint(value, 32)
			if err != nil {
				return ret, err
			}
			ret.Filter.OutGroup = uint32(v)
		default:
			o, err := oxm.ParseOne(token)
			if err != nil {
				return ret, err
			}
			matches = append(matches, o)
		}
	}
	match, err := ofp4sw.NewMatch(matches...)
	if err != nil {
		return ret, err
	}
	ret.Mod.Match = match

	filter := ret.Mod.Filter(false)
	filter.OutPort = ret.Filter.OutPort
	filter.OutGroup = ret.Filter.OutGroup
	if !tableSet {
		filter.TableId = ofp4sw.OFPTT_ALL
	}
	ret.Filter = filter
	return ret, nil
}

// ParseGroup reads a group text into a group mod.
func ParseGroup(txt string) (ofp4sw.GroupMod, error) {
	var ret ofp4sw.GroupMod
	idSet := false
	for _, token := range strings.Split(txt, ",") {
		if token = strings.TrimSpace(token); token == "" {
			continue
		}
		label, value := parseLabeledValue(token)
		switch label {
		case "group_id":
			v, err := parseUint(value, 32)
			if err != nil {
				return ret, err
			}
			ret.GroupId = uint32(v)
			idSet = true
		case "type":
			t, err := ofp4sw.ParseGroupType(value)
			if err != nil {
				return ret, err
			}
			ret.Type = t
		case "bucket":
			b, err := parseBucket(value)
			if err != nil {
				return ret, err
			}
			ret.Buckets = append(ret.Buckets, b)
		default:
			// continuation of the previous bucket
			if len(ret.Buckets) == 0 {
				return ret, errors.Errorf("unknown group token %q", token)
			}
			last := &ret.Buckets[len(ret.Buckets)-1]
			if err := parseBucketToken(last, token); err != nil {
				return ret, err
			}
		}
	}
	if !idSet {
		return ret, errors.New("group_id is required")
	}
	return ret, nil
}

func parseBucket(txt string) (ofp4sw.Bucket, error) {
	b := ofp4sw.Bucket{WatchPort: oxm.OFPP_ANY, WatchGroup: ofp4sw.OFPG_ANY}
	if txt == "" {
		return b, nil
	}
	err := parseBucketToken(&b, txt)
	return b, err
}

// parseBucketToken reads "weight:N", "watch_port:N", "watch_group:N" or an
// action written with ":" in place of "=".
func parseBucketToken(b *ofp4sw.Bucket, token string) error {
	kv := strings.SplitN(token, ":", 2)
	switch kv[0] {
	case "weight", "watch_port", "watch_group":
		if len(kv) != 2 {
			return errors.Errorf("%s needs a value", kv[0])
		}
		switch kv[0] {
		case "weight":
			v, err := parseUint(kv[1], 16)
			if err != nil {
				return err
			}
			b.Weight = uint16(v)
		case "watch_port":
			v, err := oxm.ParsePort(kv[1])
			if err != nil {
				return err
			}
			b.WatchPort = v
		case "watch_group":
			v, err := parseUint(kv[1], 32)
			if err != nil {
				return err
			}
			b.WatchGroup = uint32(v)
		}
		return nil
	}
	act := token
	if len(kv) == 2 {
		act = kv[0] + "=" + kv[1]
	}
	a, err := ParseAction(act)
	if err != nil {
		return err
	}
	b.Actions = append(b.Actions, a)
	return nil
}

// FormatFlow writes a flow stats record in the form ParseFlow reads.
func FormatFlow(st ofp4sw.FlowStats) string {
	comps := []string{fmt.Sprintf("table=%d,priority=%d", st.TableId, st.Priority)}
	if st.Cookie != 0 {
		comps = append(comps, fmt.Sprintf("cookie=0x%x", st.Cookie))
	}
	if st.IdleTimeout != 0 {
		comps = append(comps, fmt.Sprintf("idle_timeout=%d", st.IdleTimeout))
	}
	if st.HardTimeout != 0 {
		comps = append(comps, fmt.Sprintf("hard_timeout=%d", st.HardTimeout))
	}
	if st.Match.Len() > 0 {
		comps = append(comps, st.Match.String())
	}
	if inst := st.Instructions.String(); inst != "" {
		comps = append(comps, inst)
	}
	return strings.Join(comps, ",")
}

// FormatGroup writes a group stats record in the form ParseGroup reads.
func FormatGroup(st ofp4sw.GroupStats) string {
	comps := []string{fmt.Sprintf("group_id=%d,type=%v", st.GroupId, st.Type)}
	for _, b := range st.Buckets {
		var parts []string
		if b.Weight != 0 {
			parts = append(parts, fmt.Sprintf("weight:%d", b.Weight))
		}
		if b.WatchPort != oxm.OFPP_ANY && b.WatchPort != 0 {
			parts = append(parts, "watch_port:"+oxm.PortString(b.WatchPort))
		}
		if b.WatchGroup != ofp4sw.OFPG_ANY && b.WatchGroup != 0 {
			parts = append(parts, fmt.Sprintf("watch_group:%d", b.WatchGroup))
		}
		for _, act := range b.Actions {
			parts = append(parts, strings.Replace(act.String(), "=", ":", 1))
		}
		comps = append(comps, "bucket="+strings.Join(parts, ","))
	}
	return strings.Join(comps, ",")
}
