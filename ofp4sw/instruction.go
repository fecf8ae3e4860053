package ofp4sw

import (
	"fmt"
	"sort"
	"strings"
)

// InstructionType is an OFPIT_* instruction type.
type InstructionType uint16

const (
	OFPIT_GOTO_TABLE     InstructionType = 1
	OFPIT_WRITE_METADATA InstructionType = 2
	OFPIT_WRITE_ACTIONS  InstructionType = 3
	OFPIT_APPLY_ACTIONS  InstructionType = 4
	OFPIT_CLEAR_ACTIONS  InstructionType = 5
)

type WriteMetadata struct {
	Metadata uint64
	Mask     uint64
}

func (m WriteMetadata) apply(value uint64) uint64 {
	return m.Metadata&m.Mask | value&^m.Mask
}

// Instructions is the instruction bundle of a flow entry. Goto zero means
// no goto-table, since table 0 can never be a goto target.
type Instructions struct {
	Apply    ActionList
	Clear    bool
	Write    ActionList
	Metadata *WriteMetadata
	Goto     uint8
}

func (inst Instructions) String() string {
	var parts []string
	if len(inst.Apply) > 0 {
		parts = append(parts, "@apply,"+inst.Apply.String())
	}
	if inst.Clear {
		parts = append(parts, "@clear")
	}
	if len(inst.Write) > 0 {
		parts = append(parts, "@write,"+inst.Write.String())
	}
	if inst.Metadata != nil {
		parts = append(parts, fmt.Sprintf("@metadata=0x%x/0x%x", inst.Metadata.Metadata, inst.Metadata.Mask))
	}
	if inst.Goto != 0 {
		parts = append(parts, fmt.Sprintf("@goto=%d", inst.Goto))
	}
	return strings.Join(parts, ",")
}

// instructionBundle is the compiled, immutable form stored on an entry.
// Modify swaps the whole bundle.
type instructionBundle struct {
	Instructions
	writeSet actionSet
	groups   []uint32
	outputs  int
}

func compileInstructions(inst Instructions) (*instructionBundle, error) {
	set, err := newActionSet(inst.Write)
	if err != nil {
		return nil, err
	}
	if inst.Metadata != nil && inst.Metadata.Metadata&^inst.Metadata.Mask != 0 {
		return nil, validationError(OFPET_BAD_INSTRUCTION, OFPBIC_UNSUP_METADATA, "metadata has bits outside of mask")
	}
	b := &instructionBundle{
		Instructions: inst,
		writeSet:     set,
		outputs:      inst.Apply.outputCount() + inst.Write.outputCount(),
	}
	seen := make(map[uint32]bool)
	for _, id := range append(inst.Apply.groups(), inst.Write.groups()...) {
		if !seen[id] {
			seen[id] = true
			b.groups = append(b.groups, id)
		}
	}
	sort.Slice(b.groups, func(i, j int) bool { return b.groups[i] < b.groups[j] })
	return b, nil
}

// validate checks the bundle against the capability of table tableId in a
// pipeline of nTables tables.
func (b *instructionBundle) validate(feature *TableFeature, tableId uint8, nTables int) error {
	need := func(t InstructionType) error {
		if !feature.Instructions.Has(t) {
			return validationError(OFPET_BAD_INSTRUCTION, OFPBIC_UNSUP_INST, "instruction %d not supported by table %d", t, tableId)
		}
		return nil
	}
	if len(b.Apply) > 0 {
		if err := need(OFPIT_APPLY_ACTIONS); err != nil {
			return err
		}
		caps := actionCaps{
			types:      feature.ApplyActions,
			setfield:   feature.ApplySetfield,
			allowGroup: true,
		}
		if err := b.Apply.validate(caps); err != nil {
			return err
		}
	}
	if b.Clear {
		if err := need(OFPIT_CLEAR_ACTIONS); err != nil {
			return err
		}
	}
	if len(b.Write) > 0 {
		if err := need(OFPIT_WRITE_ACTIONS); err != nil {
			return err
		}
		caps := actionCaps{
			types:      feature.WriteActions,
			setfield:   feature.WriteSetfield,
			allowGroup: true,
		}
		if err := b.Write.validate(caps); err != nil {
			return err
		}
	}
	if b.Metadata != nil {
		if err := need(OFPIT_WRITE_METADATA); err != nil {
			return err
		}
		if b.Metadata.Mask&^feature.MetadataWrite != 0 {
			return validationError(OFPET_BAD_INSTRUCTION, OFPBIC_UNSUP_METADATA_MASK, "metadata mask 0x%x not writable", b.Metadata.Mask)
		}
	}
	if b.Goto != 0 {
		if err := need(OFPIT_GOTO_TABLE); err != nil {
			return err
		}
		if b.Goto <= tableId || int(b.Goto) >= nTables {
			return validationError(OFPET_BAD_INSTRUCTION, OFPBIC_BAD_TABLE_ID, "goto table %d from table %d", b.Goto, tableId)
		}
	}
	return nil
}

// terminal reports whether the pipeline ends at the entry.
func (b *instructionBundle) terminal() bool {
	return b.Goto == 0
}

func (b *instructionBundle) referencesPort(port uint32) bool {
	if b.Apply.hasOutput(port) {
		return true
	}
	if act, ok := b.writeSet[actionKey{Type: OFPAT_OUTPUT}]; ok {
		return act.(ActionOutput).Port == port
	}
	return false
}

func (b *instructionBundle) referencesGroup(groupId uint32) bool {
	for _, id := range b.groups {
		if id == groupId {
			return true
		}
	}
	return false
}
