// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the recall service.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRecall/services/memory/chain"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/engine"
)

var handlerTracer = otel.Tracer("aleutian.recall.handlers")

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleChat runs one memory-augmented chat turn.
//
// # Description
//
// Only generator and persistence failures surface as 5xx; every internal
// degradation (retrieval, extraction, summarization) still yields a 200
// with an answer.
func HandleChat(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.SessionID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message and session_id are required"})
			return
		}

		reply, err := eng.HandleUserTurn(ctx, req.Message, req.SessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("chat turn failed", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := datatypes.ChatResponse{
			Answer:    reply.Content,
			SessionID: reply.SessionID,
			MessageID: reply.ID,
		}
		if ms, ok := reply.Metadata["responseTimeMs"].(int64); ok {
			resp.ResponseTimeMs = ms
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetSessionHistory returns the session's messages in reconstructed chain
// order, repairing broken parent links along the way.
func GetSessionHistory(rec *chain.Reconstructor) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "GetSessionHistory")
		defer span.End()

		sessionID := c.Param("sessionId")
		messages, err := rec.Reconstruct(ctx, sessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"messages":   messages,
		})
	}
}

// ValidateChain reports the session's chain health without mutating it.
func ValidateChain(v *chain.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ValidateChain")
		defer span.End()

		report, err := v.Validate(ctx, c.Param("sessionId"))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// RepairChain reattaches broken parent references and reports what
// changed.
func RepairChain(v *chain.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "RepairChain")
		defer span.End()

		report, err := v.Repair(ctx, c.Param("sessionId"))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ClearSession removes one session's messages, chunks and window.
func ClearSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ClearSession")
		defer span.End()

		sessionID := c.Param("sessionId")
		if err := eng.ClearSession(ctx, sessionID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("cleared session memory", "session_id", sessionID)
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "cleared": true})
	}
}

// ClearAll removes every message, chunk and window.
func ClearAll(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ClearAll")
		defer span.End()

		if err := eng.ClearAll(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("cleared all memory")
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	}
}

// GetStatistics aggregates index, retrieval, window and cache statistics.
func GetStatistics(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "GetStatistics")
		defer span.End()

		stats, err := eng.Statistics(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
