package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
)

type appendEntryRequest struct {
	TransactionType string          `json:"transaction_type"`
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	PaymentMethod   string          `json:"payment_method"`
	TransactionData json.RawMessage `json:"transaction_data"`
	UserID          string          `json:"user_id"`
}

func (s *Server) AppendEntry(c *gin.Context) {
	var req appendEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txType := ledgerdomain.TransactionType(strings.ToUpper(strings.TrimSpace(req.TransactionType)))
	c.Set("transaction_type", string(txType))

	payload, err := decodeTransactionData(txType, req.TransactionData)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = actorName(c)
	}

	entry, err := s.ledgerSvc.Append(c.Request.Context(), ledgerdomain.AppendRequest{
		Type:          txType,
		OrderID:       strings.TrimSpace(req.OrderID),
		Amount:        req.Amount,
		VATAmount:     req.VATAmount,
		PaymentMethod: req.PaymentMethod,
		Payload:       payload,
		UserID:        userID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entry})
}

// decodeTransactionData reads the variant matching the entry type. CLOSURE
// and ARCHIVE entries are only written by closures and exports.
func decodeTransactionData(txType ledgerdomain.TransactionType, raw json.RawMessage) (ledgerdomain.Payload, error) {
	var target ledgerdomain.Payload
	switch txType {
	case ledgerdomain.TransactionTypeSale:
		var p ledgerdomain.SalePayload
		if err := unmarshalOptional(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case ledgerdomain.TransactionTypeRefund:
		var p ledgerdomain.RefundPayload
		if err := unmarshalOptional(raw, &p); err != nil {
			return nil, err
		}
		target = p
	case ledgerdomain.TransactionTypeCorrection:
		var p ledgerdomain.CorrectionPayload
		if err := unmarshalOptional(raw, &p); err != nil {
			return nil, err
		}
		target = p
	default:
		return nil, ledgerdomain.ErrInvalidTransactionType
	}
	return target, nil
}

func unmarshalOptional(raw json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		return newValidationError("transaction_data", "invalid_transaction_data", "invalid transaction_data")
	}
	return nil
}

type listEntriesQuery struct {
	PageToken    string `form:"page_token"`
	PageSize     int    `form:"page_size"`
	Type         string `form:"type"`
	From         string `form:"from"`
	To           string `form:"to"`
	FromSequence string `form:"from_sequence"`
	ToSequence   string `form:"to_sequence"`
}

func (s *Server) ListEntries(c *gin.Context) {
	var query listEntriesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	fromSeq, err := parseOptionalInt64(query.FromSequence)
	if err != nil {
		AbortWithError(c, newValidationError("from_sequence", "invalid_from_sequence", "invalid from_sequence"))
		return
	}
	toSeq, err := parseOptionalInt64(query.ToSequence)
	if err != nil {
		AbortWithError(c, newValidationError("to_sequence", "invalid_to_sequence", "invalid to_sequence"))
		return
	}

	req := ledgerdomain.ListEntriesRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		From: from,
		To:   to,
		Type: ledgerdomain.TransactionType(strings.ToUpper(strings.TrimSpace(query.Type))),
	}
	if fromSeq != nil {
		req.FromSequence = *fromSeq
	}
	if toSeq != nil {
		req.ToSequence = *toSeq
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}

func (s *Server) GetEntry(c *gin.Context) {
	sequence, err := strconv.ParseInt(strings.TrimSpace(c.Param("sequence")), 10, 64)
	if err != nil || sequence <= 0 {
		AbortWithError(c, ledgerdomain.ErrInvalidSequence)
		return
	}

	entry, err := s.ledgerSvc.GetBySequence(c.Request.Context(), sequence)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

// VerifyLedger walks the whole chain. Violations are reported in the body
// with a 200; only a failure to read the ledger is an error.
func (s *Server) VerifyLedger(c *gin.Context) {
	result, err := s.ledgerSvc.Verify(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type orderEventRequest struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	OrderID   string `json:"order_id"`
}

func (s *Server) IngestOrderEvent(c *gin.Context) {
	if s.orderEvents == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req orderEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.orderEvents.Ingest(c.Request.Context(), orderdomain.IngestRequest{
		EventID:   strings.TrimSpace(req.EventID),
		EventType: orderdomain.EventType(strings.ToUpper(strings.TrimSpace(req.EventType))),
		OrderID:   strings.TrimSpace(req.OrderID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}
