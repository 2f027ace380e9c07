// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have several standard losses that implement train.LossFn, each returning the loss
// and its gradients with respect to the model outputs.
//
// Logits are expected with shape [batchSize, numClasses] and labels with shape [batchSize], holding
// the class index of each example.
package losses

import (
	"math"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// softmax of each row of logits [batchSize, numClasses] divided by temperature.
func softmax(logits *tensors.Tensor, temperature float64) *tensors.Tensor {
	probs := tensors.ZerosLike(logits)
	numClasses := logits.Dim(1)
	src, dst := logits.Data(), probs.Data()
	for row := 0; row < logits.Dim(0); row++ {
		in := src[row*numClasses : (row+1)*numClasses]
		out := dst[row*numClasses : (row+1)*numClasses]
		maxLogit := floats.Max(in)
		for i, v := range in {
			out[i] = math.Exp((v - maxLogit) / temperature)
		}
		floats.Scale(1/floats.Sum(out), out)
	}
	return probs
}

func checkLogits(name string, logits *tensors.Tensor) error {
	if !logits.Ok() || logits.Rank() != 2 || logits.Dim(0) == 0 || logits.Dim(1) == 0 {
		return errors.Errorf("%s: logits must have shape [batchSize, numClasses], got %s", name, logits)
	}
	return nil
}

// CrossEntropy computes the mean softmax cross-entropy between Outputs.Student logits and Outputs.Labels.
func CrossEntropy(outputs train.Outputs) (float64, train.Gradients, error) {
	logits, labels := outputs.Student, outputs.Labels
	if err := checkLogits("CrossEntropy", logits); err != nil {
		return 0, train.Gradients{}, err
	}
	batchSize, numClasses := logits.Dim(0), logits.Dim(1)
	if !labels.Ok() || labels.Size() != batchSize {
		return 0, train.Gradients{}, errors.Errorf("CrossEntropy: labels must have %d elements, got %s", batchSize, labels)
	}
	probs := softmax(logits, 1)
	grad := probs.Clone()
	var loss float64
	for row, label := range labels.Data() {
		class := int(label)
		if class < 0 || class >= numClasses || float64(class) != label {
			return 0, train.Gradients{}, errors.Errorf("CrossEntropy: invalid label %g for example %d (numClasses=%d)",
				label, row, numClasses)
		}
		loss -= math.Log(max(probs.At(row, class), math.SmallestNonzeroFloat64))
		grad.Set(grad.At(row, class)-1, row, class)
	}
	grad.ScaleInPlace(1 / float64(batchSize))
	return loss / float64(batchSize), train.Gradients{Output: grad}, nil
}

// KnowledgeDistillation returns a loss with the Kullback-Leibler divergence between the softened
// (divided by temperature) teacher and student distributions, scaled by temperature^2 so the gradient
// magnitudes don't depend on the temperature.
func KnowledgeDistillation(temperature float64) train.LossFn {
	return func(outputs train.Outputs) (float64, train.Gradients, error) {
		if temperature <= 0 {
			return 0, train.Gradients{}, errors.Errorf("KnowledgeDistillation: temperature must be > 0, got %g", temperature)
		}
		student, teacher := outputs.Student, outputs.Teacher
		if err := checkLogits("KnowledgeDistillation(student)", student); err != nil {
			return 0, train.Gradients{}, err
		}
		if !teacher.Ok() {
			return 0, train.Gradients{}, errors.New("KnowledgeDistillation: teacher outputs missing, is the model distilling?")
		}
		if !student.Shape().Equal(teacher.Shape()) {
			return 0, train.Gradients{}, errors.Errorf("KnowledgeDistillation: student logits %s and teacher logits %s shapes differ",
				student.Shape(), teacher.Shape())
		}
		batchSize := float64(student.Dim(0))
		pStudent := softmax(student, temperature)
		pTeacher := softmax(teacher, temperature)
		var kl float64
		for i, pt := range pTeacher.Data() {
			if pt > 0 {
				kl += pt * (math.Log(pt) - math.Log(max(pStudent.Data()[i], math.SmallestNonzeroFloat64)))
			}
		}
		grad := pStudent
		floats.Sub(grad.Data(), pTeacher.Data())
		grad.ScaleInPlace(temperature / batchSize)
		return temperature * temperature * kl / batchSize, train.Gradients{Output: grad}, nil
	}
}

// Hint computes the sum over the hint layers of the mean squared error between the student and teacher
// features. It returns a zero loss if there are no hint layers. The gradient with respect to the
// model output is zero.
func Hint(outputs train.Outputs) (float64, train.Gradients, error) {
	if len(outputs.StudentHints) != len(outputs.TeacherHints) {
		return 0, train.Gradients{}, errors.Errorf("Hint: %d student hints but %d teacher hints",
			len(outputs.StudentHints), len(outputs.TeacherHints))
	}
	var loss float64
	grads := make([]*tensors.Tensor, len(outputs.StudentHints))
	for i, s := range outputs.StudentHints {
		t := outputs.TeacherHints[i]
		if !s.Ok() || !t.Ok() {
			return 0, train.Gradients{}, errors.Errorf("Hint: hint #%d not captured", i)
		}
		if !s.Shape().Equal(t.Shape()) {
			return 0, train.Gradients{}, errors.Errorf(
				"Hint: hint #%d student features %s and teacher features %s shapes differ, is an adapter missing?",
				i, s.Shape(), t.Shape())
		}
		n := float64(s.Size())
		diff := s.Clone()
		floats.Sub(diff.Data(), t.Data())
		loss += floats.Dot(diff.Data(), diff.Data()) / n
		diff.ScaleInPlace(2 / n)
		grads[i] = diff
	}
	g := train.Gradients{Hints: grads}
	if outputs.Student.Ok() {
		g.Output = tensors.ZerosLike(outputs.Student)
	}
	return loss, g, nil
}

// Term of a Weighted loss.
type Term struct {
	Weight float64
	Loss   train.LossFn
}

// Weighted returns the weighted sum of the given losses. Terms with weight 0 are skipped.
func Weighted(terms ...Term) train.LossFn {
	return func(outputs train.Outputs) (float64, train.Gradients, error) {
		var total float64
		var grads train.Gradients
		for i, term := range terms {
			if term.Weight == 0 {
				continue
			}
			loss, g, err := term.Loss(outputs)
			if err != nil {
				return 0, train.Gradients{}, errors.WithMessagef(err, "Weighted: term #%d", i)
			}
			total += term.Weight * loss
			grads.Output = addScaled(grads.Output, g.Output, term.Weight)
			if len(g.Hints) > len(grads.Hints) {
				grads.Hints = append(grads.Hints, make([]*tensors.Tensor, len(g.Hints)-len(grads.Hints))...)
			}
			for j, h := range g.Hints {
				grads.Hints[j] = addScaled(grads.Hints[j], h, term.Weight)
			}
		}
		if !grads.Output.Ok() && outputs.Student.Ok() {
			// Backpropagation always needs a gradient for the output.
			grads.Output = tensors.ZerosLike(outputs.Student)
		}
		return total, grads, nil
	}
}

// addScaled returns acc + weight*g, allocating acc if it is nil. A nil g leaves acc unchanged.
func addScaled(acc, g *tensors.Tensor, weight float64) *tensors.Tensor {
	if g == nil {
		return acc
	}
	if acc == nil {
		acc = tensors.ZerosLike(g)
	}
	floats.AddScaled(acc.Data(), weight, g.Data())
	return acc
}
