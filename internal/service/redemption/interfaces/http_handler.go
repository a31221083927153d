package interfaces

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"vouchercore/internal/pkg/httpclient"
	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/service/redemption/application"
	"vouchercore/internal/service/redemption/domain"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"

	maxBodyBytes = 1 << 20
)

// RedemptionAPI 是 HTTP 层依赖的兑换用例，由 application.RedemptionService 实现。
type RedemptionAPI interface {
	Redeem(ctx context.Context, req application.RedeemRequest) (*application.RedemptionResult, error)
	ValidateOffline(ctx context.Context, raw string) application.OfflineValidateResponse
	SyncOffline(ctx context.Context, req application.OfflineSyncRequest) (*application.OfflineSyncResult, error)
	Stats(ctx context.Context, req application.StatsRequest) (*domain.RedemptionStats, error)
}

// FraudReviewAPI 由 application.FraudReviewService 实现。
type FraudReviewAPI interface {
	Review(ctx context.Context, req application.ReviewRequest) (*application.FraudCaseView, error)
}

// RedemptionHandler 封装了 redemption 服务的 HTTP 处理器
type RedemptionHandler struct {
	redemptions RedemptionAPI
	reviews     FraudReviewAPI
	timeout     time.Duration
}

// NewRedemptionHandler timeout 是单个请求的处理时限，0 表示不限制。
func NewRedemptionHandler(redemptions RedemptionAPI, reviews FraudReviewAPI, timeout time.Duration) *RedemptionHandler {
	return &RedemptionHandler{redemptions: redemptions, reviews: reviews, timeout: timeout}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *RedemptionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/redemptions", h.handleRedeem)
	mux.HandleFunc("POST /api/v1/redemptions/offline/validate", h.handleValidateOffline)
	mux.HandleFunc("POST /api/v1/redemptions/offline/sync", h.handleSyncOffline)
	mux.HandleFunc("POST /api/v1/fraud-cases/{id}/review", h.handleReview)
	mux.HandleFunc("GET /api/v1/vouchers/{id}/redemption-stats", h.handleStats)
}

// requestContext 提取上游 trace 上下文并加上处理时限。
func (h *RedemptionHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func (h *RedemptionHandler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req application.RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(ctx, w, domain.NewError(domain.CodeInvalidInput, "code is required"))
		return
	}
	req.ActingUserID = userID
	req.UserAgent = r.UserAgent()
	req.IP = clientIP(r)

	resp, err := h.redemptions.Redeem(ctx, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RedemptionHandler) handleValidateOffline(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	if _, ok := actingUser(w, r); !ok {
		return
	}
	var req application.OfflineValidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// 校验失败也是 200，原因在 body 中
	writeJSON(w, http.StatusOK, h.redemptions.ValidateOffline(ctx, req.Token))
}

func (h *RedemptionHandler) handleSyncOffline(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req application.OfflineSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ActingUserID = userID
	req.UserAgent = r.UserAgent()
	req.IP = clientIP(r)

	resp, err := h.redemptions.SyncOffline(ctx, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RedemptionHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req application.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CaseID = r.PathValue("id")
	req.ReviewerID = userID
	req.IsAdmin = isAdmin(r)

	resp, err := h.reviews.Review(ctx, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RedemptionHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	resp, err := h.redemptions.Stats(ctx, application.StatsRequest{
		VoucherID:    r.PathValue("id"),
		ActingUserID: userID,
		IsAdmin:      isAdmin(r),
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// writeError 根据错误类型返回不同的 HTTP 状态码，内部错误不暴露细节。
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		if de.Code == domain.CodeRateLimited && de.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(de.RetryAfter.Seconds()))))
		}
		writeJSON(w, statusFor(de.Code), errorResponse{ErrorCode: string(de.Code), Message: de.Message})
	case errors.Is(err, httpclient.ErrServiceUnavailable):
		logger.Ctx(ctx).Warn().Err(err).Msg("collaborator unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: string(domain.CodeServiceUnavailable),
			Message:   "a dependent service is unavailable, please retry",
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: string(domain.CodeServiceUnavailable),
			Message:   "request timed out, please retry",
		})
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("ERROR: request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			ErrorCode: string(domain.CodeInternal),
			Message:   domain.ErrInternal.Message,
		})
	}
}

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeInvalidCode, domain.CodeMissingCustomer, domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeVoucherNotFound, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyRedeemed, domain.CodeNotPending:
		return http.StatusConflict
	case domain.CodeInvalidProvider, domain.CodeAccessDenied:
		return http.StatusForbidden
	case domain.CodeExpired:
		return http.StatusUnprocessableEntity
	case domain.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			ErrorCode: string(domain.CodeInvalidInput),
			Message:   "invalid request body",
		})
		return false
	}
	return true
}

// actingUser 调用方身份由网关认证后写入 X-User-ID。
func actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			ErrorCode: string(domain.CodeAccessDenied),
			Message:   "missing " + headerUserID + " header",
		})
		return "", false
	}
	return userID, true
}

func isAdmin(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(headerUserRole)), roleAdmin)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
