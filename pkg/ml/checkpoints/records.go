// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"slices"
	"time"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Checkpoint is a snapshot of a distillation run.
type Checkpoint struct {
	RunID      string    `cbor:"run_id"`
	Time       time.Time `cbor:"time"`
	Epoch      int       `cbor:"epoch"`
	GlobalStep int       `cbor:"global_step"`

	Student      []ParamRecord       `cbor:"student"`
	Teacher      []ParamRecord       `cbor:"teacher,omitempty"`
	Replacements []ReplacementRecord `cbor:"replacements,omitempty"`
}

// ParamRecord holds the value of one parameter, named by its dotted path (e.g.: "features.0.weight").
type ParamRecord struct {
	Name       string    `cbor:"name"`
	Dimensions []int     `cbor:"dims"`
	Data       []float64 `cbor:"data"`
	Trainable  bool      `cbor:"trainable"`
}

// ReplacementRecord describes a committed replacement. It is informative only: Restore requires
// the target tree to already have the replaced structure.
type ReplacementRecord struct {
	Path         string `cbor:"path"`
	TeacherBlock string `cbor:"teacher_block"`
	StudentBlock string `cbor:"student_block"`
}

// Records takes a copy of the values of all the parameters of root.
func Records(root nn.Block) []ParamRecord {
	named := nn.NamedParameters(root)
	records := make([]ParamRecord, 0, len(named))
	for _, p := range named {
		if !p.Value.Ok() {
			continue
		}
		records = append(records, ParamRecord{
			Name:       p.Name,
			Dimensions: slices.Clone(p.Value.Shape().Dimensions),
			Data:       slices.Clone(p.Value.Data()),
			Trainable:  p.Trainable,
		})
	}
	return records
}

// FromStudent takes a snapshot of the student and teacher trees of student.
func FromStudent(student *distill.Student, epoch, globalStep int) *Checkpoint {
	ckpt := &Checkpoint{
		Epoch:      epoch,
		GlobalStep: globalStep,
		Student:    Records(student.Model()),
		Teacher:    Records(student.Teacher()),
	}
	for _, r := range student.Replacements() {
		ckpt.Replacements = append(ckpt.Replacements, ReplacementRecord{
			Path:         r.Path,
			TeacherBlock: nn.Describe(r.TeacherBlock),
			StudentBlock: nn.Describe(r.StudentBlock),
		})
	}
	return ckpt
}

// Apply sets the parameters of root from records. Names and shapes must match exactly: a parameter
// of root missing from records, a record with no parameter, or a shape mismatch are errors, and in
// that case root is left unchanged.
//
// The trainable flags are restored as well.
func Apply(root nn.Block, records []ParamRecord) error {
	byName := make(map[string]*ParamRecord, len(records))
	for i := range records {
		r := &records[i]
		if _, found := byName[r.Name]; found {
			return errors.Errorf("checkpoint has duplicate parameter %q", r.Name)
		}
		byName[r.Name] = r
	}
	named := nn.NamedParameters(root)
	if len(named) != len(records) {
		return errors.Errorf("checkpoint has %d parameters, the block tree has %d", len(records), len(named))
	}
	values := make([]*tensors.Tensor, len(named))
	for i, p := range named {
		r, found := byName[p.Name]
		if !found {
			return errors.Errorf("parameter %q not found in checkpoint", p.Name)
		}
		if !p.Value.Ok() {
			return errors.Errorf("parameter %q has been released", p.Name)
		}
		if err := p.Value.Shape().Check(r.Dimensions...); err != nil {
			return errors.WithMessagef(err, "parameter %q", p.Name)
		}
		if len(r.Data) != p.Value.Size() {
			return errors.Errorf("parameter %q: checkpoint has %d values, want %d", p.Name, len(r.Data), p.Value.Size())
		}
		values[i] = tensors.FromData(slices.Clone(r.Data), r.Dimensions...)
	}
	for i, p := range named {
		p.Value = values[i]
		p.Trainable = byName[p.Name].Trainable
		p.ZeroGrad()
	}
	return nil
}

// Restore sets the student and teacher parameters of student from the checkpoint.
// The student tree must have the same structure as the one saved, including its replacements.
func (c *Checkpoint) Restore(student *distill.Student) error {
	if err := Apply(student.Model(), c.Student); err != nil {
		return errors.WithMessage(err, "restoring student")
	}
	if len(c.Teacher) > 0 {
		if err := Apply(student.Teacher(), c.Teacher); err != nil {
			return errors.WithMessage(err, "restoring teacher")
		}
	}
	return nil
}
