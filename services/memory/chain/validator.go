// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain validates, repairs, and reconstructs per-session message
// chains. A healthy chain is a single path from the oldest root; broken
// parent references, orphans, and extra roots are detected and where
// possible healed.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

var chainTracer = otel.Tracer("aleutian.recall.chain")

// =============================================================================
// Validator
// =============================================================================

// Validator checks and repairs the parent links of a session's messages.
type Validator struct {
	msgs store.MessageStore
}

// NewValidator returns a Validator over the given message store.
func NewValidator(msgs store.MessageStore) *Validator {
	return &Validator{msgs: msgs}
}

// Validate inspects one session's chain.
//
// # Description
//
// Loads all messages of the session, then reports parent references that
// point at no stored message (broken refs), messages unreachable from any
// root that are not themselves broken (orphans), and the root count. A
// chain is valid when there are no broken refs, no orphans, and exactly one
// root. An empty session is reported valid with zero messages and roots.
//
// # Outputs
//
//   - ChainValidationReport: Always populated, even for invalid chains.
//   - error: Only on store failure.
func (v *Validator) Validate(ctx context.Context, sessionID string) (datatypes.ChainValidationReport, error) {
	ctx, span := chainTracer.Start(ctx, "Validator.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	msgs, err := v.msgs.FindBySessionID(ctx, sessionID)
	if err != nil {
		return datatypes.ChainValidationReport{}, fmt.Errorf(
			"failed to load session %s for validation: %w", sessionID, err)
	}
	report := buildReport(sessionID, msgs)
	if !report.Valid {
		slog.Warn("session chain failed validation",
			"session_id", sessionID,
			"roots", report.RootCount,
			"broken_refs", len(report.BrokenRefs),
			"orphans", len(report.Orphans))
	}
	return report, nil
}

// buildReport runs the pure validation logic over an in-memory message set.
func buildReport(sessionID string, msgs []datatypes.Message) datatypes.ChainValidationReport {
	byID := make(map[string]*datatypes.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	var brokenRefs []string
	broken := make(map[string]struct{})
	var roots []string
	children := make(map[string][]string)
	for i := range msgs {
		m := &msgs[i]
		switch {
		case m.ParentMessageID == "":
			roots = append(roots, m.ID)
		default:
			if _, ok := byID[m.ParentMessageID]; !ok {
				brokenRefs = append(brokenRefs, m.ID)
				broken[m.ID] = struct{}{}
			} else {
				children[m.ParentMessageID] = append(children[m.ParentMessageID], m.ID)
			}
		}
	}

	// Reachability from every root, depth first.
	reached := make(map[string]struct{}, len(msgs))
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reached[id]; seen {
			continue
		}
		reached[id] = struct{}{}
		stack = append(stack, children[id]...)
	}

	var orphans []string
	for i := range msgs {
		id := msgs[i].ID
		if _, ok := reached[id]; ok {
			continue
		}
		if _, ok := broken[id]; ok {
			continue
		}
		orphans = append(orphans, id)
	}

	valid := len(brokenRefs) == 0 && len(orphans) == 0 &&
		(len(msgs) == 0 || len(roots) == 1)
	return datatypes.ChainValidationReport{
		SessionID:     sessionID,
		Valid:         valid,
		TotalMessages: len(msgs),
		RootCount:     len(roots),
		BrokenRefs:    brokenRefs,
		Orphans:       orphans,
	}
}

// Repair heals broken parent references.
//
// # Description
//
// Each message whose parent id points at nothing is reattached to the most
// recent message with a strictly earlier timestamp, or detached into a root
// when none exists. The strictly-earlier rule keeps the chain acyclic even
// when several messages are repaired in one pass. Multiple roots are
// reported but deliberately left alone: reconstruction picks the oldest as
// primary.
//
// Repair is idempotent. A second pass finds no broken refs and performs no
// writes.
//
// # Outputs
//
//   - ChainRepairReport: Before/after validations plus each reassignment.
//   - error: Only on store failure.
func (v *Validator) Repair(ctx context.Context, sessionID string) (datatypes.ChainRepairReport, error) {
	ctx, span := chainTracer.Start(ctx, "Validator.Repair")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	msgs, err := v.msgs.FindBySessionID(ctx, sessionID)
	if err != nil {
		return datatypes.ChainRepairReport{}, fmt.Errorf(
			"failed to load session %s for repair: %w", sessionID, err)
	}
	before := buildReport(sessionID, msgs)
	report := datatypes.ChainRepairReport{SessionID: sessionID, Before: before, After: before}
	if before.Valid || len(before.BrokenRefs) == 0 {
		return report, nil
	}

	byID := make(map[string]*datatypes.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	for _, id := range before.BrokenRefs {
		m := byID[id]
		newParent := latestEarlierMessage(msgs, m)
		repair := datatypes.ChainRepair{
			MessageID: m.ID,
			OldParent: m.ParentMessageID,
			NewParent: newParent,
		}
		m.ParentMessageID = newParent
		if err := v.msgs.Save(ctx, m); err != nil {
			return report, fmt.Errorf("failed to persist repair of message %s: %w", m.ID, err)
		}
		slog.Info("repaired broken parent reference",
			"session_id", sessionID,
			"message_id", m.ID,
			"old_parent", repair.OldParent,
			"new_parent", repair.NewParent)
		report.Repairs = append(report.Repairs, repair)
	}

	report.After = buildReport(sessionID, msgs)
	return report, nil
}

// latestEarlierMessage finds the most recent message whose timestamp is
// strictly before m's, breaking timestamp ties by id for determinism.
func latestEarlierMessage(msgs []datatypes.Message, m *datatypes.Message) string {
	best := ""
	var bestIdx int
	for i := range msgs {
		c := &msgs[i]
		if c.ID == m.ID || !c.Timestamp.Before(m.Timestamp) {
			continue
		}
		if best == "" || c.Timestamp.After(msgs[bestIdx].Timestamp) ||
			(c.Timestamp.Equal(msgs[bestIdx].Timestamp) && c.ID > best) {
			best = c.ID
			bestIdx = i
		}
	}
	return best
}

// sortByTimestamp orders messages ascending by timestamp, then id.
func sortByTimestamp(msgs []datatypes.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
