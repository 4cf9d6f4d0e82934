// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ChatResponse is the successful reply to POST /v1/chat.
type ChatResponse struct {
	Answer         string `json:"answer"`
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// ChainValidationReport summarizes the health of one session's message chain.
//
// Valid is true only when there are no broken parent references, no orphan
// messages, and exactly one root.
type ChainValidationReport struct {
	SessionID     string   `json:"session_id"`
	Valid         bool     `json:"valid"`
	TotalMessages int      `json:"total_messages"`
	RootCount     int      `json:"root_count"`
	BrokenRefs    []string `json:"broken_refs,omitempty"`
	Orphans       []string `json:"orphans,omitempty"`
}

// ChainRepair records one parent reassignment performed by the repairer.
type ChainRepair struct {
	MessageID string `json:"message_id"`
	OldParent string `json:"old_parent,omitempty"`
	NewParent string `json:"new_parent,omitempty"`
}

// ChainRepairReport is the result of a repair pass: the validations taken
// before and after, plus every reassignment performed.
type ChainRepairReport struct {
	SessionID string                `json:"session_id"`
	Repairs   []ChainRepair         `json:"repairs"`
	Before    ChainValidationReport `json:"before"`
	After     ChainValidationReport `json:"after"`
}

// IndexStatistics describes the vector index contents.
type IndexStatistics struct {
	TotalChunks    int `json:"total_chunks"`
	UniqueMessages int `json:"unique_messages"`
	UniqueSessions int `json:"unique_sessions"`
}

// RetrievalMetrics is the per-session retrieval accounting snapshot exposed
// through the statistics endpoint.
type RetrievalMetrics struct {
	SessionID       string `json:"session_id"`
	RetrievalCount  int64  `json:"retrieval_count"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	ErrorCount      int64  `json:"error_count"`
}

// ServiceStatistics aggregates the admin statistics surface.
type ServiceStatistics struct {
	Index          IndexStatistics    `json:"index"`
	Retrieval      []RetrievalMetrics `json:"retrieval"`
	ActiveWindows  int                `json:"active_windows"`
	ExtractionSize int                `json:"extraction_cache_size"`
}
