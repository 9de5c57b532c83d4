package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleGetAuditTrail returns a device's full chain plus an integrity
// verdict, so operators can spot tampering without replaying the
// hashes themselves.
func (s *Server) handleGetAuditTrail(c *gin.Context) {
	deviceID := c.Param("device_id")

	entries, err := s.audit.Chain(deviceID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load audit trail", s.logger)
		return
	}

	brokenAt, verifyErr := s.audit.VerifyChain(deviceID)
	intact := verifyErr == nil

	response := gin.H{
		"device_id": deviceID,
		"entries":   entries,
		"count":     len(entries),
		"intact":    intact,
	}
	if !intact {
		response["broken_at"] = brokenAt
		response["detail"] = verifyErr.Error()
	}
	c.JSON(http.StatusOK, response)
}
