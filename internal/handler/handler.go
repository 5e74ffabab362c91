// Package handler exposes the attendance services over HTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
)

// SweepSecretHeader carries the shared secret for the sweep trigger.
const SweepSecretHeader = "X-Sweep-Secret"

// maxValidFor bounds valid_for_minutes.
const maxValidFor = 7 * 24 * time.Hour

// HealthCheck is one dependency reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the HTTP-level settings.
type Config struct {
	JWTIssuer       string
	JWTSigningKey   string
	SweepSecret     string
	RateLimitPerMin int
	RosterTimeout   time.Duration
	CORSOrigins     []string
	Metrics         bool
}

// Deps are the services behind the routes.
type Deps struct {
	Sessions  *attendance.Sessions
	Auth      *attendance.Authorizer
	Issuer    *attendance.Issuer
	Validator *attendance.Validator
	Sweeper   *attendance.Sweeper
	Roster    attendance.Roster
	Health    []HealthCheck
	Logger    *log.Logger
}

type Handler struct {
	Deps
	cfg     Config
	logger  *log.Logger
	limiter *httpmiddleware.SimpleTokenBucket
	now     func() time.Time
}

func New(d Deps, cfg Config) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}
	return &Handler{
		Deps:    d,
		cfg:     cfg,
		logger:  logger,
		limiter: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		now:     time.Now,
	}
}

// Limiter exposes the redemption rate limiter so the caller can prune it.
func (h *Handler) Limiter() *httpmiddleware.SimpleTokenBucket { return h.limiter }

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(h.logger, "/healthz", "/metrics"))
	r.Use(corsMiddleware(h.cfg.CORSOrigins))
	r.Use(securityHeaders())

	if h.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/healthz", h.Healthz)
	r.POST("/internal/sweep-expired-credentials", h.Sweep)

	v1 := r.Group("/v1", auth.Authenticate(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	{
		teacher := v1.Group("", auth.RequireRole(auth.RoleTeacher))
		teacher.POST("/sessions", h.OpenSession)
		teacher.GET("/sessions/:id", h.GetSession)
		teacher.POST("/sessions/:id/deactivate", h.DeactivateSession)
		teacher.POST("/sessions/:id/credentials", h.IssueForSession)
		teacher.GET("/sessions/:id/attendance", h.ListAttendance)
		teacher.POST("/issue-credentials", h.IssueCredentials)

		v1.POST("/redeem-credential",
			auth.RequireRole(auth.RoleStudent),
			h.limiter.GinMiddleware(func(c *gin.Context) string { return "caller:" + auth.CallerID(c) }),
			h.Redeem)
	}
	return r
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(h.Health))
	for _, hc := range h.Health {
		err := hc.Check(ctx)
		checks[hc.Name] = err == nil
		if err != nil {
			status = http.StatusServiceUnavailable
			h.logger.Warn().Err(err).Str("dependency", hc.Name).Msg("health check failed")
		}
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// ---------- Sessions ----------

type openSessionRequest struct {
	CourseID    string    `json:"course_id" binding:"required"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
}

func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.Sessions.Open(c.Request.Context(), auth.CallerID(c), req.CourseID, req.WindowStart, req.WindowEnd)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) DeactivateSession(c *gin.Context) {
	if err := h.Sessions.Deactivate(c.Request.Context(), auth.CallerID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
}

func (h *Handler) ListAttendance(c *gin.Context) {
	recs, err := h.Sessions.Attendance(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "records": recs})
}

// ---------- Issuance ----------

type issueRequest struct {
	SessionID  string   `json:"session_id"`
	CourseID   string   `json:"course_id"`
	StudentIDs []string `json:"student_ids"`
	// ValidForMinutes defaults to the time left in the session window.
	ValidForMinutes int `json:"valid_for_minutes"`
}

func (h *Handler) IssueCredentials(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.SessionID == "" || req.CourseID == "" {
		badRequest(c, "session_id and course_id are required")
		return
	}
	h.issue(c, req)
}

func (h *Handler) IssueForSession(c *gin.Context) {
	var req issueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	req.SessionID = c.Param("id")
	h.issue(c, req)
}

// issue authorizes the caller, narrows the students to the roster and
// issues. Answers 207 when any student failed, 201 otherwise.
func (h *Handler) issue(c *gin.Context, req issueRequest) {
	ctx := c.Request.Context()
	caller := auth.CallerID(c)
	if req.ValidForMinutes < 0 || req.ValidForMinutes > int(maxValidFor/time.Minute) {
		badRequest(c, "valid_for_minutes must be between 0 and "+strconv.Itoa(int(maxValidFor/time.Minute)))
		return
	}

	sess, err := h.Sessions.Get(ctx, caller, req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.CourseID == "" {
		req.CourseID = sess.CourseID
	}
	if err := h.Auth.AuthorizeIssuance(ctx, caller, req.CourseID, req.SessionID); err != nil {
		h.writeError(c, err)
		return
	}

	students, skipped, err := attendance.ResolveStudents(ctx, h.Roster, h.cfg.RosterTimeout, req.CourseID, req.StudentIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	students, recorded, err := h.skipRecorded(ctx, caller, req.SessionID, students)
	if err != nil {
		h.writeError(c, err)
		return
	}
	skipped = append(skipped, recorded...)

	validFor := time.Duration(req.ValidForMinutes) * time.Minute
	if validFor == 0 {
		validFor = sess.WindowEnd.Sub(h.now())
	}
	res := attendance.IssueResult{Issued: []attendance.Credential{}, Reused: []attendance.Credential{}, Failed: []attendance.IssueFailure{}}
	if len(students) > 0 {
		res, err = h.Issuer.Issue(ctx, attendance.IssueRequest{
			SessionID:  req.SessionID,
			CourseID:   req.CourseID,
			StudentIDs: students,
			ValidFor:   validFor,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
	}
	res.Failed = append(res.Failed, skipped...)

	status := http.StatusCreated
	if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

// skipRecorded drops students who already have an attendance record for the
// session, so a re-issue cannot yield a second record.
func (h *Handler) skipRecorded(ctx context.Context, caller, sessionID string, students []string) ([]string, []attendance.IssueFailure, error) {
	recs, err := h.Sessions.Attendance(ctx, caller, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return students, nil, nil
	}
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		seen[r.StudentID] = struct{}{}
	}
	var keep []string
	var skipped []attendance.IssueFailure
	for _, id := range students {
		if _, ok := seen[id]; ok {
			skipped = append(skipped, attendance.IssueFailure{StudentID: id, Reason: attendance.AlreadyRecorded})
			continue
		}
		keep = append(keep, id)
	}
	return keep, skipped, nil
}

// ---------- Redemption ----------

type redeemRequest struct {
	Token    string `json:"token" binding:"required"`
	Location string `json:"location"`
}

func (h *Handler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token is required")
		return
	}
	rec, err := h.Validator.Redeem(c.Request.Context(), attendance.RedeemRequest{
		Token:      req.Token,
		CallerID:   auth.CallerID(c),
		RedeemedAt: h.now(),
		Location:   req.Location,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               rec.Status,
		"attendance_record_id": rec.ID,
		"session_id":           rec.SessionID,
		"timestamp":            rec.Timestamp,
	})
}

// ---------- Sweep ----------

// Sweep runs one expiry sweep for an external scheduler. It is disabled
// when no secret is configured.
func (h *Handler) Sweep(c *gin.Context) {
	if h.cfg.SweepSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "NotFound", "message": "sweep trigger disabled"})
		return
	}
	got := c.GetHeader(SweepSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.SweepSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated", "message": "bad sweep secret"})
		return
	}
	rep, err := h.Sweeper.SweepOnce(c.Request.Context(), h.now())
	if errors.Is(err, attendance.ErrSweepFailed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SweepFailed", "report": rep, "retriable": true})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
