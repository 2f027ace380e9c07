// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrPathResolution is wrapped by every error returned when a BlockPath can't be resolved.
var ErrPathResolution = errors.New("block path resolution failed")

// PathError describes which segment of a BlockPath failed to resolve and why.
type PathError struct {
	Path    string
	Segment string
	Reason  string
}

// Error implements error.
func (e *PathError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("%s: path %q: %s", ErrPathResolution, e.Path, e.Reason)
	}
	return fmt.Sprintf("%s: path %q, segment %q: %s", ErrPathResolution, e.Path, e.Segment, e.Reason)
}

// Unwrap allows errors.Is(err, ErrPathResolution).
func (e *PathError) Unwrap() error { return ErrPathResolution }

// ParsePath splits a dot-separated BlockPath into its segments.
//
// The empty path refers to the root and returns no segments. Each segment must be non-empty,
// and a segment starting with a digit or a sign must be a non-negative integer index in canonical
// form ("1", not "01"), so that equal paths always address the same block.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, &PathError{Path: path, Reason: "empty segment"}
		}
		switch c := seg[0]; {
		case c == '-' || c == '+':
			return nil, &PathError{Path: path, Segment: seg, Reason: "indices must be non-negative integers"}
		case c >= '0' && c <= '9':
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, &PathError{Path: path, Segment: seg, Reason: "invalid index"}
			}
			if seg != strconv.Itoa(idx) {
				return nil, &PathError{Path: path, Segment: seg, Reason: "indices must be written without leading zeros"}
			}
		}
	}
	return segments, nil
}

// JoinPath joins segments into a BlockPath, skipping empty ones.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

// IsNested returns whether one of the paths is equal to, or encloses, the other.
func IsNested(a, b string) bool {
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// Resolve returns the block at path, starting from root. It never modifies the tree.
//
// An error wrapping ErrPathResolution (of type *PathError) is returned if any segment doesn't name
// an existing child.
func Resolve(root Block, path string) (Block, error) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return resolveSegments(root, path, segments)
}

func resolveSegments(root Block, path string, segments []string) (Block, error) {
	if root == nil {
		return nil, &PathError{Path: path, Reason: "nil root block"}
	}
	current := root
	for _, seg := range segments {
		container, ok := current.(Container)
		if !ok {
			return nil, &PathError{Path: path, Segment: seg, Reason: fmt.Sprintf("%T has no children", current)}
		}
		child, found := container.Child(seg)
		if !found {
			return nil, &PathError{Path: path, Segment: seg, Reason: fmt.Sprintf("no such child in %T", current)}
		}
		current = child
	}
	return current, nil
}

// Replace installs block at path, in place of the block there.
//
// The parent of the final segment is resolved first, and then a single SetChild assignment is made:
// on error the tree is left unchanged. The root itself (empty path) can't be replaced.
// Replacing a block with itself is a no-op.
func Replace(root Block, path string, block Block) error {
	if block == nil {
		return errors.Errorf("nn.Replace(%q): nil block", path)
	}
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return &PathError{Path: path, Reason: "the root block can't be replaced"}
	}
	parentBlock, err := resolveSegments(root, path, segments[:len(segments)-1])
	if err != nil {
		return err
	}
	last := segments[len(segments)-1]
	parent, ok := parentBlock.(Container)
	if !ok {
		return &PathError{Path: path, Segment: last, Reason: fmt.Sprintf("%T has no children", parentBlock)}
	}
	current, found := parent.Child(last)
	if !found {
		return &PathError{Path: path, Segment: last, Reason: fmt.Sprintf("no such child in %T", parentBlock)}
	}
	if current == block {
		return nil
	}
	if err := parent.SetChild(last, block); err != nil {
		return errors.WithMessagef(err, "nn.Replace(%q)", path)
	}
	return nil
}
