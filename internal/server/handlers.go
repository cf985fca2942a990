package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/anatolykoptev/go-imagecheck"
	"github.com/anatolykoptev/go-imagecheck/internal/logger"
	"github.com/anatolykoptev/go-imagecheck/internal/usage"
)

const (
	timestampLayout    = "2006-01-02T15:04:05.000000Z07:00"
	nextFreeScanLayout = "2006-01-02 15:04:05"
)

// ScanInfo summarises the caller's quota after a scan.
type ScanInfo struct {
	ScansUsedToday int         `json:"scans_used_today"`
	ScansLeftToday usage.Quota `json:"scans_left_today"`
	NextFreeScan   string      `json:"next_free_scan"`
}

// PredictResponse is the body of a successful /predict call.
type PredictResponse struct {
	RequestID string            `json:"request_id"`
	Filename  string            `json:"filename"`
	Timestamp string            `json:"timestamp"`
	UserType  string            `json:"user_type"`
	Result    imagecheck.Result `json:"result"`
	ScanInfo  ScanInfo          `json:"scan_info"`
}

// LimitResponse is the 429 body.
type LimitResponse struct {
	Error     string      `json:"error"`
	Message   string      `json:"message"`
	UserType  string      `json:"user_type"`
	ScansUsed int         `json:"scans_used"`
	ScansLeft usage.Quota `json:"scans_left"`
}

func (s *Server) health(ctx *gin.Context) {
	free := 0
	if s.usage != nil {
		free = s.usage.FreeScansPerDay()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().Format(timestampLayout),
		"version":   Version,
		"features": gin.H{
			"free_scans_per_day": free,
			"metering":           s.usage != nil,
			"premium_available":  false,
			"face_locator":       s.locator,
			"face_scorer":        s.scorer,
		},
	})
}

func (s *Server) userStatus(ctx *gin.Context) {
	userID := usage.UserID(ctx.ClientIP(), ctx.Request.UserAgent())
	st, err := s.quota(ctx, userID)
	if err != nil {
		s.internalError(ctx, "quota lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"scan_status": st,
		"timestamp":   s.now().Format(timestampLayout),
	})
}

func (s *Server) quota(ctx *gin.Context, userID string) (usage.Status, error) {
	if s.usage == nil {
		return usage.Status{CanScan: true, UserType: usage.UserFree, ScansLeft: usage.Unlimited}, nil
	}
	return s.usage.CanScan(ctx.Request.Context(), userID, ctx.ClientIP())
}

func limitReached(ctx *gin.Context, userType string, used int) {
	ctx.JSON(http.StatusTooManyRequests, LimitResponse{
		Error:     "Scan limit reached",
		Message:   fmt.Sprintf("You've used your %d free scan(s) for today.", used),
		UserType:  userType,
		ScansUsed: used,
		ScansLeft: 0,
	})
}

func (s *Server) predict(ctx *gin.Context) {
	requestID := ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy()).String()
	userID := usage.UserID(ctx.ClientIP(), ctx.Request.UserAgent())

	st, err := s.quota(ctx, userID)
	if err != nil {
		s.internalError(ctx, "quota lookup failed", err)
		return
	}
	if !st.CanScan {
		limitReached(ctx, st.UserType, st.ScansUsed)
		return
	}

	file, err := ctx.FormFile("file")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	limit := int64(s.cfg.MaxUploadMB) << 20
	if file.Size > limit {
		ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File too large (max %d MB)", s.cfg.MaxUploadMB),
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Cannot read upload"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	f.Close()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Cannot read upload"})
		return
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":        "Uploaded file is not an image",
			"content_type": mtype.String(),
		})
		return
	}

	result := s.analyzer.Load().Analyze(ctx.Request.Context(), data)
	if !result.OK() {
		status := http.StatusInternalServerError
		if result.Error == imagecheck.MsgCannotOpenImage {
			status = http.StatusBadRequest
		}
		logger.Warning("analysis did not complete", logger.LoggerOptions{
			Key:  "analysis",
			Data: map[string]any{"request_id": requestID, "error": result.Error},
		})
		ctx.JSON(status, result)
		return
	}

	if s.usage != nil {
		err := s.usage.RecordScan(ctx.Request.Context(), userID)
		if errors.Is(err, usage.ErrQuotaExceeded) {
			// A concurrent scan used the last free slot first.
			limitReached(ctx, usage.UserFree, s.usage.FreeScansPerDay())
			return
		}
		if err != nil {
			s.internalError(ctx, "record scan failed", err)
			return
		}
	}

	now := s.now()
	left := st.ScansLeft
	if left != usage.Unlimited && left > 0 {
		left--
	}
	resp := PredictResponse{
		RequestID: requestID,
		Filename:  filepath.Base(file.Filename),
		Timestamp: now.Format(timestampLayout),
		UserType:  st.UserType,
		Result:    result,
		ScanInfo: ScanInfo{
			ScansUsedToday: st.ScansUsed + 1,
			ScansLeftToday: left,
			NextFreeScan:   now.AddDate(0, 0, 1).Format(nextFreeScanLayout),
		},
	}

	if s.schema != nil {
		if err := checkResponse(s.schema, resp); err != nil {
			s.internalError(ctx, "response failed schema validation", err)
			return
		}
	}

	logger.Info("scan completed", logger.LoggerOptions{
		Key: "scan",
		Data: map[string]any{
			"request_id": requestID,
			"user_id":    userID,
			"label":      result.Report.FinalLabel,
			"confidence": result.Report.Confidence,
			"faces":      result.Report.FacesDetected,
		},
	})
	ctx.JSON(http.StatusOK, resp)
}

func (s *Server) internalError(ctx *gin.Context, msg string, err error) {
	logger.Error(msg, logger.LoggerOptions{Key: "error", Data: err.Error()})
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
