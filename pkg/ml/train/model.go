// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/nn"
)

// Outputs of a training forward pass, consumed by a LossFn and by the metrics.
type Outputs struct {
	// Student is the output (logits) of the model being trained.
	Student *tensors.Tensor

	// Teacher output, only set when distilling.
	Teacher *tensors.Tensor

	// StudentHints and TeacherHints hold the captured hint features, one per hint layer, in the
	// order the hint layers were registered. Only set when distilling.
	StudentHints, TeacherHints []*tensors.Tensor

	// Labels of the batch.
	Labels *tensors.Tensor
}

// Gradients of the loss with respect to the Outputs of the model.
type Gradients struct {
	// Output is the gradient with respect to Outputs.Student.
	Output *tensors.Tensor

	// Hints holds the gradients with respect to Outputs.StudentHints. It can be nil, or have
	// nil entries for hints not contributing to the loss.
	Hints []*tensors.Tensor
}

// LossFn computes the loss of a batch and its gradients with respect to the model outputs.
type LossFn func(outputs Outputs) (loss float64, grads Gradients, err error)

// Model trained by a Trainer.
type Model interface {
	// Forward runs a training pass (with backward caches) over inputs.
	Forward(inputs *tensors.Tensor) (Outputs, error)

	// Predict runs an inference pass, without backward caches, returning the model output only.
	Predict(inputs *tensors.Tensor) (*tensors.Tensor, error)

	// Backward propagates grads through the model, accumulating the parameter gradients.
	Backward(grads Gradients) error

	// ZeroGrad clears the gradients of the model parameters.
	ZeroGrad()

	// Root returns the current root of the model tree, used to check the optimizer consistency.
	Root() nn.Block
}

// DistillModel adapts a distillation student wrapper to a Model: the teacher runs alongside the
// student and the hint features are part of the Outputs.
func DistillModel(student *distill.Student) Model {
	return &distillModel{student: student}
}

type distillModel struct {
	student *distill.Student
}

func (m *distillModel) Forward(inputs *tensors.Tensor) (Outputs, error) {
	studentOut, teacherOut, err := m.student.Forward(inputs)
	if err != nil {
		return Outputs{}, err
	}
	hooks := m.student.Hooks()
	return Outputs{
		Student:      studentOut,
		Teacher:      teacherOut,
		StudentHints: hooks.StudentOutputs(),
		TeacherHints: hooks.TeacherOutputs(),
	}, nil
}

func (m *distillModel) Predict(inputs *tensors.Tensor) (*tensors.Tensor, error) {
	return m.student.Inference(inputs)
}

func (m *distillModel) Backward(grads Gradients) error {
	return m.student.Backward(grads.Output, grads.Hints)
}

func (m *distillModel) ZeroGrad()      { m.student.ZeroGrad() }
func (m *distillModel) Root() nn.Block { return m.student.Model() }

// BlockModel adapts a plain block tree to a Model, e.g. to pre-train a teacher.
func BlockModel(root nn.Block) Model {
	return &blockModel{root: root}
}

type blockModel struct {
	root nn.Block
}

func (m *blockModel) Forward(inputs *tensors.Tensor) (Outputs, error) {
	y, err := m.call(nn.Training, inputs)
	if err != nil {
		return Outputs{}, err
	}
	return Outputs{Student: y}, nil
}

func (m *blockModel) Predict(inputs *tensors.Tensor) (*tensors.Tensor, error) {
	return m.call(nn.NoGrad, inputs)
}

// call converts kernel panics into errors.
func (m *blockModel) call(pass *nn.Pass, inputs *tensors.Tensor) (y *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		var callErr error
		y, callErr = nn.Call(pass, m.root, inputs)
		if callErr != nil {
			panic(callErr)
		}
	})
	return
}

func (m *blockModel) Backward(grads Gradients) error {
	return exceptions.TryCatch[error](func() {
		if _, err := nn.Backprop(m.root, grads.Output); err != nil {
			panic(err)
		}
	})
}

func (m *blockModel) ZeroGrad()      { nn.ZeroGrad(m.root) }
func (m *blockModel) Root() nn.Block { return m.root }
