// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

// =============================================================================
// Reconstructor
// =============================================================================

// Reconstructor produces the ordered conversation for a session from its
// parent links.
type Reconstructor struct {
	msgs      store.MessageStore
	validator *Validator
}

// NewReconstructor returns a Reconstructor sharing the validator's store.
func NewReconstructor(msgs store.MessageStore) *Reconstructor {
	return &Reconstructor{msgs: msgs, validator: NewValidator(msgs)}
}

// Reconstruct returns the session's messages in conversation order.
//
// # Description
//
// Validates first and, when broken references are the problem, attempts an
// automatic repair before ordering. Ordering is a depth-first walk from the
// primary root (the oldest root by timestamp); a node's children are walked
// in ascending timestamp order. Messages the walk never reaches, orphans
// and secondary-root subtrees included, are appended afterwards in
// timestamp order so the result is always complete. Unexpected failures
// fall back to a plain timestamp sort rather than losing the conversation.
//
// # Outputs
//
//   - []datatypes.Message: Every session message exactly once, parents
//     always before their children.
//   - error: Only when the session cannot be loaded at all.
func (r *Reconstructor) Reconstruct(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	ctx, span := chainTracer.Start(ctx, "Reconstructor.Reconstruct")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	report, err := r.validator.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !report.Valid && len(report.BrokenRefs) > 0 {
		if _, err := r.validator.Repair(ctx, sessionID); err != nil {
			slog.Error("chain repair failed, reconstructing anyway",
				"session_id", sessionID, "error", err)
		}
	}

	msgs, err := r.msgs.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s for reconstruction: %w", sessionID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ordered, ok := r.walk(sessionID, msgs)
	if !ok {
		// Best effort: never lose the conversation over a bad chain.
		slog.Error("chain walk failed, falling back to timestamp order", "session_id", sessionID)
		fallback := append([]datatypes.Message(nil), msgs...)
		sort.SliceStable(fallback, func(i, j int) bool {
			return fallback[i].Timestamp.After(fallback[j].Timestamp)
		})
		return fallback, nil
	}
	return ordered, nil
}

// walk performs the DFS ordering. Returns ok=false only on an internal
// inconsistency the caller should treat as a walk failure.
func (r *Reconstructor) walk(sessionID string, msgs []datatypes.Message) ([]datatypes.Message, bool) {
	byID := make(map[string]*datatypes.Message, len(msgs))
	children := make(map[string][]*datatypes.Message)
	var roots []*datatypes.Message
	for i := range msgs {
		m := &msgs[i]
		byID[m.ID] = m
		if m.ParentMessageID == "" {
			roots = append(roots, m)
		}
	}
	for i := range msgs {
		m := &msgs[i]
		if m.ParentMessageID == "" {
			continue
		}
		if _, ok := byID[m.ParentMessageID]; ok {
			children[m.ParentMessageID] = append(children[m.ParentMessageID], m)
		}
	}
	for _, kids := range children {
		sort.SliceStable(kids, func(i, j int) bool {
			return kids[i].Timestamp.Before(kids[j].Timestamp)
		})
	}
	if len(roots) == 0 {
		// Every message has a parent: a cycle or fully broken chain.
		return nil, false
	}
	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].Timestamp.Before(roots[j].Timestamp)
	})
	primary := roots[0]
	if len(roots) > 1 {
		slog.Warn("session has multiple roots, using the oldest as primary",
			"session_id", sessionID, "roots", len(roots), "primary", primary.ID)
	}

	ordered := make([]datatypes.Message, 0, len(msgs))
	visited := make(map[string]struct{}, len(msgs))
	var dfs func(m *datatypes.Message)
	dfs = func(m *datatypes.Message) {
		if _, seen := visited[m.ID]; seen {
			return
		}
		visited[m.ID] = struct{}{}
		ordered = append(ordered, *m)
		for _, child := range children[m.ID] {
			dfs(child)
		}
	}
	dfs(primary)

	if len(ordered) < len(msgs) {
		var unreached []datatypes.Message
		for i := range msgs {
			if _, seen := visited[msgs[i].ID]; !seen {
				unreached = append(unreached, msgs[i])
			}
		}
		sortByTimestamp(unreached)
		slog.Warn("appending messages unreachable from the primary root",
			"session_id", sessionID, "count", len(unreached))
		ordered = append(ordered, unreached...)
	}
	return ordered, true
}
