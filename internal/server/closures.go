package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
)

type createClosureRequest struct {
	Type  string `json:"type"`
	Date  string `json:"date"`
	Force bool   `json:"force"`
}

func (s *Server) CreateClosure(c *gin.Context) {
	var req createClosureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	closureType := closuredomain.ClosureType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if !closureType.Valid() {
		AbortWithError(c, newValidationError("type", "invalid_type", "type must be DAILY, WEEKLY, MONTHLY or ANNUAL"))
		return
	}
	if strings.TrimSpace(req.Date) == "" {
		AbortWithError(c, newValidationError("date", "required", "date is required"))
		return
	}

	bulletin, err := s.closureSvc.CreateClosure(c.Request.Context(), closuredomain.CreateClosureRequest{
		Type:      closureType,
		Date:      strings.TrimSpace(req.Date),
		Force:     req.Force,
		CreatedBy: actorName(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": bulletin})
}

func (s *Server) ListClosures(c *gin.Context) {
	var req closuredomain.ListClosuresRequest
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		closureType := closuredomain.ClosureType(strings.ToUpper(raw))
		if !closureType.Valid() {
			AbortWithError(c, newValidationError("type", "invalid_type", "invalid type"))
			return
		}
		req.Type = &closureType
	}

	bulletins, err := s.closureSvc.ListClosures(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bulletins})
}

func (s *Server) GetClosure(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bulletin, err := s.closureSvc.GetClosure(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bulletin})
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return *id, nil
}
