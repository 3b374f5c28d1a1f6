package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"go.uber.org/zap"
)

// Date-only period bounds are read as UTC midnight; both bounds use the
// start of the given day so period_end stays exclusive.
type createExportRequest struct {
	Type        string `json:"type"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Format      string `json:"format"`
}

func (s *Server) CreateExport(c *gin.Context) {
	var req createExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	start, err := parseOptionalTime(req.PeriodStart, false)
	if err != nil {
		AbortWithError(c, newValidationError("period_start", "invalid_period_start", "invalid period_start"))
		return
	}
	end, err := parseOptionalTime(req.PeriodEnd, false)
	if err != nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "invalid period_end"))
		return
	}

	export, err := s.archiveSvc.ExportData(c.Request.Context(), archivedomain.ExportRequest{
		Type:        archivedomain.ExportType(strings.ToUpper(strings.TrimSpace(req.Type))),
		PeriodStart: start,
		PeriodEnd:   end,
		Format:      archivedomain.Format(strings.ToLower(strings.TrimSpace(req.Format))),
		CreatedBy:   actorName(c),
	})
	if err != nil {
		if export.ID != 0 {
			c.Header("X-Export-Id", export.ID.String())
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": export})
}

type listExportsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Type      string `form:"type"`
	Status    string `form:"status"`
}

func (s *Server) ListExports(c *gin.Context) {
	var query listExportsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.archiveSvc.ListExports(c.Request.Context(), archivedomain.ListExportsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Type:   archivedomain.ExportType(strings.ToUpper(strings.TrimSpace(query.Type))),
		Status: archivedomain.Status(strings.ToUpper(strings.TrimSpace(query.Status))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Exports, "page_info": resp.PageInfo})
}

func (s *Server) GetExport(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	export, err := s.archiveSvc.GetExport(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": export})
}

// VerifyExport returns every discrepancy found. A tampered file is a
// successful verification with is_valid=false, not an HTTP error.
func (s *Server) VerifyExport(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.archiveSvc.VerifyExport(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) DownloadExport(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	download, err := s.archiveSvc.DownloadExport(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer func() {
		if cerr := download.Reader.Close(); cerr != nil {
			s.log.Warn("archive.download.close_failed", zap.String("export_id", id.String()), zap.Error(cerr))
		}
	}()

	c.DataFromReader(http.StatusOK, download.Size, download.ContentType, download.Reader, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", download.FileName),
	})
}
