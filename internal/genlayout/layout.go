// Copyright 2024 The Kokia Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package genlayout is the Generator Layout Analyzer (spec 4.F): given the
// DWARF type name of a compiled async state machine, it finds the
// discriminant field that selects the machine's current suspension point,
// and the field layout of one particular variant of that machine.
//
// Matching a generator's DWARF structure type by name is inherently
// heuristic: there is no attribute that says "this is a generator," only
// naming conventions the compiler happens to follow. The fallbacks here are
// deliberate and are consulted in a fixed, documented order rather than
// treated as errors.
package genlayout

import (
	"debug/dwarf"
	"strings"

	"github.com/maetin0324/kokia/internal/kokiaerr"
)

// DiscriminantLayout describes where a generator's suspension-point tag
// lives relative to the start of its state struct.
type DiscriminantLayout struct {
	Offset int64
	Size   int64
}

// FieldInfo describes one field of a decoded variant.
type FieldInfo struct {
	Name     string
	Offset   int64
	Size     int64
	TypeName string
}

// VariantInfo is the field layout of one arm of a generator's state enum.
type VariantInfo struct {
	Name   string
	Fields []FieldInfo
}

var wrapperPrefixes = []string{
	"{closure_env#0}<", "{async_block_env#0}<", "{async_fn_env#0}<",
}

var exactEnvNames = map[string]bool{
	"{async_block_env#0}": true,
	"{closure_env#0}":     true,
	"{async_fn_env#0}":    true,
}

// Analyzer resolves generator layouts against one loaded DWARF image.
type Analyzer struct {
	data *dwarf.Data
}

// New returns an Analyzer over data.
func New(data *dwarf.Data) *Analyzer {
	return &Analyzer{data: data}
}

// GetDiscriminantLayout finds the discriminant field of the generator state
// type named typeName. If no matching type or variant part is found, it
// returns the documented default of offset 0, size 4 rather than an error:
// a best guess is more useful to the caller than a failed breakpoint
// install.
func (a *Analyzer) GetDiscriminantLayout(typeName string) DiscriminantLayout {
	entry, ok := a.findGeneratorType(typeName)
	if !ok {
		return DiscriminantLayout{Offset: 0, Size: 4}
	}
	if layout, ok := a.findDiscriminantField(entry); ok {
		return layout
	}
	return DiscriminantLayout{Offset: 0, Size: 4}
}

// GetVariantInfo returns the field layout of the variant selected by
// discriminantValue within the generator state type named typeName. When no
// variant matches, it returns an empty-fields VariantInfo rather than an
// error, mirroring the "unknown variant, show nothing" behavior the
// orchestrator's caller expects.
func (a *Analyzer) GetVariantInfo(typeName string, discriminantValue int64) VariantInfo {
	entry, ok := a.findGeneratorType(typeName)
	if !ok {
		return emptyVariant(discriminantValue)
	}
	r := a.data.Reader()
	r.Seek(entry.Offset)
	self, err := r.Next()
	if err != nil || self == nil {
		return emptyVariant(discriminantValue)
	}
	children, err := directChildren(r, self)
	if err != nil {
		return emptyVariant(discriminantValue)
	}
	for _, child := range children {
		if child.Tag != dwarf.TagVariantPart {
			continue
		}
		if vi, ok := a.extractVariantInfo(r, entry.Offset, child, discriminantValue); ok {
			return vi
		}
	}
	return emptyVariant(discriminantValue)
}

func emptyVariant(discriminantValue int64) VariantInfo {
	return VariantInfo{Name: variantDefaultName(discriminantValue), Fields: nil}
}

func variantDefaultName(discriminantValue int64) string {
	return "State" + itoa(discriminantValue)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// findGeneratorType locates the structure_type or enumeration_type DIE
// whose name best matches typeName, preferring an exact env-wrapper name
// match, then a type_prefix match (typeName up to "::{{"), stripping a
// wrapper prefix when present. Candidates whose name contains '<' (other
// generic instantiations) are skipped when a plain match exists, matching
// the original analyzer's rule that wrapper-free names win ties.
func (a *Analyzer) findGeneratorType(typeName string) (*dwarf.Entry, bool) {
	prefix := typePrefix(typeName)

	var exact *dwarf.Entry
	var prefixMatch *dwarf.Entry
	var anyCandidate *dwarf.Entry

	r := a.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagStructType && entry.Tag != dwarf.TagEnumerationType {
			continue
		}
		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok {
			continue
		}
		if !strings.Contains(name, "{closure") && !strings.Contains(name, "{async_block") && !strings.Contains(name, "{async_fn") {
			continue
		}
		if anyCandidate == nil {
			anyCandidate = entry
		}
		if exactEnvNames[name] {
			if exact == nil {
				exact = entry
			}
			continue
		}
		if prefix != "" && matchesPrefix(name, prefix) {
			if prefixMatch == nil || !strings.Contains(name, "<") {
				prefixMatch = entry
			}
		}
	}

	switch {
	case exact != nil:
		return exact, true
	case prefixMatch != nil:
		return prefixMatch, true
	case anyCandidate != nil:
		return anyCandidate, true
	default:
		return nil, false
	}
}

// typePrefix mirrors type_name.split("::{{").next() from the original
// analyzer.
func typePrefix(typeName string) string {
	if idx := strings.Index(typeName, "::{{"); idx >= 0 {
		return typeName[:idx]
	}
	return typeName
}

func matchesPrefix(name, prefix string) bool {
	if strings.HasPrefix(name, prefix) {
		return true
	}
	for _, w := range wrapperPrefixes {
		if strings.HasPrefix(name, w) && strings.HasPrefix(name[len(w):], prefix) {
			return true
		}
	}
	return false
}

// findDiscriminantField looks for a child DW_TAG_variant_part and resolves
// its DW_AT_discr reference to the discriminant member's offset and size.
// Failing that, it falls back to a member literally named "__0",
// "discriminant", or "__state".
func (a *Analyzer) findDiscriminantField(entry *dwarf.Entry) (DiscriminantLayout, bool) {
	r := a.data.Reader()
	r.Seek(entry.Offset)
	self, err := r.Next()
	if err != nil || self == nil {
		return DiscriminantLayout{}, false
	}
	children, err := directChildren(r, self)
	if err != nil {
		return DiscriminantLayout{}, false
	}

	for _, child := range children {
		if child.Tag != dwarf.TagVariantPart {
			continue
		}
		if discrOff, ok := child.Val(dwarf.AttrDiscr).(dwarf.Offset); ok {
			discrEntry, err := a.entryAt(discrOff)
			if err == nil && discrEntry != nil {
				if layout, ok := memberLayout(discrEntry, a.data); ok {
					return layout, true
				}
			}
		}
	}

	for _, child := range children {
		if child.Tag != dwarf.TagMember {
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		if name == "__0" || name == "discriminant" || name == "__state" {
			if layout, ok := memberLayout(child, a.data); ok {
				return layout, true
			}
		}
	}
	return DiscriminantLayout{}, false
}

// extractVariantInfo walks a variant_part's DW_TAG_variant children looking
// for one whose DW_AT_discr_value equals discriminantValue, and extracts
// its fields.
func (a *Analyzer) extractVariantInfo(r *dwarf.Reader, parentOff dwarf.Offset, variantPart *dwarf.Entry, discriminantValue int64) (VariantInfo, bool) {
	r.Seek(variantPart.Offset)
	self, err := r.Next()
	if err != nil || self == nil {
		return VariantInfo{}, false
	}
	variants, err := directChildren(r, self)
	if err != nil {
		return VariantInfo{}, false
	}

	for _, v := range variants {
		if v.Tag != dwarf.TagVariant {
			continue
		}
		dv, ok := v.Val(dwarf.AttrDiscrValue).(int64)
		if ok && dv == discriminantValue {
			return a.extractVariantFields(v, discriminantValue)
		}
	}
	// No variant declares this discriminant value: it's a transient or
	// not-yet-settled value, not an error. Report no fields rather than
	// guessing at another variant's layout.
	return emptyVariant(discriminantValue), true
}

func (a *Analyzer) extractVariantFields(variant *dwarf.Entry, discriminantValue int64) (VariantInfo, bool) {
	r := a.data.Reader()
	r.Seek(variant.Offset)
	self, err := r.Next()
	if err != nil || self == nil {
		return VariantInfo{}, false
	}
	members, err := directChildren(r, self)
	if err != nil {
		return VariantInfo{}, false
	}

	var fields []FieldInfo
	for _, m := range members {
		if m.Tag != dwarf.TagMember {
			continue
		}
		typeRef, ok := m.Val(dwarf.AttrType).(dwarf.Offset)
		if ok {
			if structFields, ok := a.extractStructFields(typeRef); ok {
				fields = append(fields, structFields...)
				continue
			}
		}
		if f, ok := a.fieldInfo(m); ok {
			fields = append(fields, f)
		}
	}
	return VariantInfo{Name: variantDefaultName(discriminantValue), Fields: fields}, true
}

// extractStructFields flattens an embedded struct's direct members, used
// when a variant's payload is wrapped in a single anonymous struct member.
func (a *Analyzer) extractStructFields(typeOff dwarf.Offset) ([]FieldInfo, bool) {
	entry, err := a.entryAt(typeOff)
	if err != nil || entry == nil || entry.Tag != dwarf.TagStructType {
		return nil, false
	}
	r := a.data.Reader()
	r.Seek(entry.Offset)
	self, err := r.Next()
	if err != nil || self == nil {
		return nil, false
	}
	members, err := directChildren(r, self)
	if err != nil {
		return nil, false
	}
	var fields []FieldInfo
	for _, m := range members {
		if m.Tag != dwarf.TagMember {
			continue
		}
		if f, ok := a.fieldInfo(m); ok {
			fields = append(fields, f)
		}
	}
	return fields, len(fields) > 0
}

func (a *Analyzer) fieldInfo(member *dwarf.Entry) (FieldInfo, bool) {
	name, _ := member.Val(dwarf.AttrName).(string)
	offset, _ := member.Val(dwarf.AttrDataMemberLoc).(int64)
	typeName, size := "", int64(0)
	if typeOff, ok := member.Val(dwarf.AttrType).(dwarf.Offset); ok {
		if t, err := a.data.Type(typeOff); err == nil && t != nil {
			typeName = t.String()
			size = t.Size()
		}
	}
	return FieldInfo{Name: name, Offset: offset, Size: size, TypeName: typeName}, true
}

func memberLayout(member *dwarf.Entry, data *dwarf.Data) (DiscriminantLayout, bool) {
	offset, ok := member.Val(dwarf.AttrDataMemberLoc).(int64)
	if !ok {
		offset = 0
	}
	size := int64(4)
	if typeOff, ok := member.Val(dwarf.AttrType).(dwarf.Offset); ok {
		if t, err := data.Type(typeOff); err == nil && t != nil && t.Size() > 0 {
			size = t.Size()
		}
	}
	return DiscriminantLayout{Offset: offset, Size: size}, true
}

func (a *Analyzer) entryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	r := a.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Decode, err, "reading DIE at offset %#x", off)
	}
	return entry, nil
}

// directChildren reads the direct children of the entry that was just
// returned by r.Next() (self), stopping at the null entry that terminates
// the list. Grandchildren are skipped over, not descended into.
func directChildren(r *dwarf.Reader, self *dwarf.Entry) ([]*dwarf.Entry, error) {
	if !self.Children {
		return nil, nil
	}
	var kids []*dwarf.Entry
	for {
		kid, err := r.Next()
		if err != nil {
			return nil, err
		}
		if kid == nil || kid.Tag == 0 {
			break
		}
		kids = append(kids, kid)
		if kid.Children {
			r.SkipChildren()
		}
	}
	return kids, nil
}
