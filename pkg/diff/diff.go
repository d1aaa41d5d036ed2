// Package diff compares two snapshots of a record list and renders the
// differences as human-readable change lines.
package diff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ChangeType is the kind of a single record change.
type ChangeType string

const (
	Added   ChangeType = "added"
	Removed ChangeType = "removed"
	Updated ChangeType = "updated"
)

// ErrNotRecordList is returned by DiffSnapshots when a snapshot is not a
// list of JSON objects.
var ErrNotRecordList = errors.New("snapshot is not a record list")

// Record is one JSON object of a list snapshot.
type Record = map[string]any

// FieldChange is one differing field of an updated record.
type FieldChange struct {
	Field string
	Label string
	Old   string
	New   string
}

func (f FieldChange) String() string {
	return f.Label + ": " + f.Old + " → " + f.New
}

// Change describes one added, removed or updated record.
type Change struct {
	Type     ChangeType
	Kind     string
	Noun     string
	RecordID string
	// Subject names the record: the display name for additions and
	// removals, the heading for updates.
	Subject string
	Fields  []FieldChange
}

// String renders the change the way it is shown to operators, e.g.
// "➕ 新增员工: A (ID: 2)" or "🔄 工单 X: 状态: 待接单 → 进行中".
func (c Change) String() string {
	switch c.Type {
	case Added:
		return "➕ 新增" + c.Noun + ": " + c.Subject
	case Removed:
		return "➖ 删除" + c.Noun + ": " + c.Subject
	default:
		parts := make([]string, len(c.Fields))
		for i, f := range c.Fields {
			parts[i] = f.String()
		}
		return "🔄 " + c.Subject + ": " + strings.Join(parts, ", ")
	}
}

// Strings renders every change.
func Strings(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.String()
	}
	return out
}

// Presenter turns a non-nil field value into display text.
type Presenter func(v any) string

// Field is one compared field of a record kind.
type Field struct {
	Key     string
	Label   string
	Present Presenter // nil means Stringify
}

// Differ compares record lists of one kind.
type Differ struct {
	Kind string
	Noun string
	// Identity returns the stable key of a record.
	Identity func(r Record) string
	// DisplayName renders a record for addition and removal lines.
	DisplayName func(r Record, id string) string
	// Heading renders a record for update lines.
	Heading func(r Record, id string) string
	Fields  []Field
}

// Diff returns the changes from before to after: additions, then removals,
// then updates, each group in input order.
func (d Differ) Diff(before, after []Record) []Change {
	oldByID := make(map[string]Record, len(before))
	for _, r := range before {
		oldByID[d.Identity(r)] = r
	}
	newByID := make(map[string]Record, len(after))
	for _, r := range after {
		newByID[d.Identity(r)] = r
	}

	var changes []Change
	for _, r := range after {
		id := d.Identity(r)
		if _, ok := oldByID[id]; !ok {
			changes = append(changes, d.change(Added, r, id, d.DisplayName))
		}
	}
	for _, r := range before {
		id := d.Identity(r)
		if _, ok := newByID[id]; !ok {
			changes = append(changes, d.change(Removed, r, id, d.DisplayName))
		}
	}
	for _, r := range after {
		id := d.Identity(r)
		prev, ok := oldByID[id]
		if !ok {
			continue
		}
		if fields := d.compare(prev, r); len(fields) > 0 {
			c := d.change(Updated, r, id, d.Heading)
			c.Fields = fields
			changes = append(changes, c)
		}
	}
	return changes
}

func (d Differ) change(t ChangeType, r Record, id string, name func(Record, string) string) Change {
	return Change{
		Type:     t,
		Kind:     d.Kind,
		Noun:     d.Noun,
		RecordID: id,
		Subject:  name(r, id),
	}
}

func (d Differ) compare(before, after Record) []FieldChange {
	var out []FieldChange
	for _, f := range d.Fields {
		ov, nv := before[f.Key], after[f.Key]
		if sameValue(ov, nv) {
			continue
		}
		label := f.Label
		if label == "" {
			label = f.Key
		}
		out = append(out, FieldChange{
			Field: f.Key,
			Label: label,
			Old:   present(f.Present, ov),
			New:   present(f.Present, nv),
		})
	}
	return out
}

// DiffSnapshots diffs two JSON-shaped snapshots, typically the values a
// poll fetcher returned. Both must encode to arrays of objects.
func (d Differ) DiffSnapshots(before, after any) ([]Change, error) {
	oldList, err := toRecords(before)
	if err != nil {
		return nil, err
	}
	newList, err := toRecords(after)
	if err != nil {
		return nil, err
	}
	return d.Diff(oldList, newList), nil
}

func toRecords(v any) ([]Record, error) {
	if rs, ok := v.([]Record); ok {
		return rs, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return nil, ErrNotRecordList
	}
	var out []Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, ErrNotRecordList
	}
	return out, nil
}

// sameValue compares two field values by their JSON encoding, so an int
// and the float64 it decodes to compare equal.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}
