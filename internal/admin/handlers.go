package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthward/famulus/pkg/memory"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	dateLayout = "2006-01-02"
)

// idParam parses the :id path segment. On failure it writes the 400 response
// itself and reports false.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// limitQuery parses ?limit= with a default and an upper bound.
func limitQuery(c *gin.Context) int {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	return limit
}

// ───────────────────────── settings ─────────────────────────

func (s *Server) getSettings(c *gin.Context) {
	all, err := s.cfg.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, all)
}

func (s *Server) putSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for key, value := range body {
		if err := s.cfg.Set(c.Request.Context(), key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "key": key})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(body)})
}

// ───────────────────────── memories ─────────────────────────

func (s *Server) listMemories(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user query parameter is required"})
		return
	}
	memories, err := s.store.ActiveMemories(c.Request.Context(), user, limitQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

type createMemoryRequest struct {
	User       string   `json:"user" binding:"required"`
	Category   string   `json:"category" binding:"required"`
	Content    string   `json:"content" binding:"required"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
	EventDate  string   `json:"event_date"` // "2006-01-02", schedule category only
	EventTime  string   `json:"event_time"` // "HH:MM"
}

func (s *Server) createMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cat := memory.Category(req.Category)
	if !cat.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category"})
		return
	}

	m := memory.PersistentMemory{
		UserName:    req.User,
		Category:    cat,
		Content:     req.Content,
		Importance:  req.Importance,
		Tags:        req.Tags,
		EventTime:   req.EventTime,
		ExtractedAt: time.Now(),
		Active:      true,
	}
	if req.EventDate != "" {
		d, err := time.Parse(dateLayout, req.EventDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_date: want YYYY-MM-DD"})
			return
		}
		m.EventDate = &d
	}

	outcome, err := s.store.SavePersistentMemory(c.Request.Context(), m)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": outcome.ID, "created": outcome.Created, "merged": outcome.Merged})
}

type updateMemoryRequest struct {
	Content    string   `json:"content" binding:"required"`
	Importance int      `json:"importance" binding:"required"`
	Tags       []string `json:"tags"`
}

func (s *Server) updateMemory(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	found, err := s.store.UpdateMemory(c.Request.Context(), id, req.Content, req.Importance, req.Tags)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) deleteMemory(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	found, err := s.store.DeleteMemory(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ───────────────────────── schedule ─────────────────────────

func (s *Server) listSchedule(c *gin.Context) {
	f := memory.ScheduleFilter{
		UserName: c.Query("user"),
		Limit:    limitQuery(c),
	}
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: want YYYY-MM-DD"})
			return
		}
		f.Start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: want YYYY-MM-DD"})
			return
		}
		f.End = t
	}

	events, err := s.store.ListSchedule(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type createEventRequest struct {
	User        string `json:"user" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Date        string `json:"date" binding:"required"` // "2006-01-02"
	Time        string `json:"time"`                    // "HH:MM", empty for all-day
	Description string `json:"description"`
	Importance  int    `json:"importance"`

	ReminderEnabled     bool   `json:"reminder_enabled"`
	ReminderLeadMinutes int    `json:"reminder_lead_minutes"`
	RecipientEmail      string `json:"recipient_email"`
}

func (s *Server) createEvent(c *gin.Context) {
	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date: want YYYY-MM-DD"})
		return
	}

	outcome, err := s.store.SaveScheduleEvent(c.Request.Context(), memory.ScheduleEvent{
		UserName:            req.User,
		Title:               req.Title,
		EventDate:           date,
		EventTime:           req.Time,
		Description:         req.Description,
		Importance:          req.Importance,
		Active:              true,
		ReminderEnabled:     req.ReminderEnabled,
		ReminderLeadMinutes: req.ReminderLeadMinutes,
		RecipientEmail:      req.RecipientEmail,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": outcome.ID, "created": outcome.Created, "merged": outcome.Merged})
}

func (s *Server) getEvent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	event, err := s.store.GetScheduleEvent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, event)
}

type updateEventRequest struct {
	Title       *string `json:"title"`
	Date        *string `json:"date"`
	Time        *string `json:"time"`
	Description *string `json:"description"`
	Importance  *int    `json:"importance"`

	ReminderEnabled     *bool   `json:"reminder_enabled"`
	ReminderLeadMinutes *int    `json:"reminder_lead_minutes"`
	RecipientEmail      *string `json:"recipient_email"`
}

func (s *Server) updateEvent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req updateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u := memory.ScheduleEventUpdate{
		Title:               req.Title,
		EventTime:           req.Time,
		Description:         req.Description,
		Importance:          req.Importance,
		ReminderEnabled:     req.ReminderEnabled,
		ReminderLeadMinutes: req.ReminderLeadMinutes,
		RecipientEmail:      req.RecipientEmail,
	}
	if req.Date != nil {
		d, err := time.Parse(dateLayout, *req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date: want YYYY-MM-DD"})
			return
		}
		u.EventDate = &d
	}

	found, err := s.store.UpdateScheduleEvent(c.Request.Context(), id, u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) deleteEvent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	found, err := s.store.DeleteScheduleEvent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ───────────────────────── conversations ─────────────────────────

func (s *Server) listConversations(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user query parameter is required"})
		return
	}
	turns, err := s.store.ListTurns(c.Request.Context(), user, limitQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

// ───────────────────────── e-mail ─────────────────────────

func (s *Server) getEmailSettings(c *gin.Context) {
	settings, err := s.store.GetEmailSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Credentials never leave the server.
	settings.SMTPPass = ""
	settings.IMAPPass = ""
	c.JSON(http.StatusOK, settings)
}

func (s *Server) putEmailSettings(c *gin.Context) {
	var req memory.EmailSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// An omitted password keeps the stored one, so the UI can round-trip the
	// masked settings it was given.
	current, err := s.store.GetEmailSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.SMTPPass == "" {
		req.SMTPPass = current.SMTPPass
	}
	if req.IMAPPass == "" {
		req.IMAPPass = current.IMAPPass
	}
	req.SummaryLastSent = current.SummaryLastSent

	if err := s.store.UpdateEmailSettings(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) listEmailLogs(c *gin.Context) {
	logs, err := s.store.ListEmailLogs(c.Request.Context(), limitQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) getEmailLog(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	entry, err := s.store.GetEmailLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log entry not found"})
		return
	}
	actions, err := s.store.ActionsForEmailLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "actions": actions})
}

// retryEmail retries a failed outbound row. Summary rows are regenerated from
// scratch (the stale error row is dropped and the digest forced); every other
// outbound type is resent as logged, flipping the row on success.
func (s *Server) retryEmail(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	entry, err := s.store.GetEmailLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log entry not found"})
		return
	}
	if entry.Direction != memory.DirectionSent || entry.Status != memory.LogError {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only failed outbound entries can be retried"})
		return
	}

	if entry.EmailType == memory.EmailTypeSummary {
		if s.digest == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "digest not configured"})
			return
		}
		if err := s.store.DeleteEmailLog(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.digest.Force(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"retried": id, "mode": "regenerated"})
		return
	}

	if s.mailer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mailer not configured"})
		return
	}
	if err := s.mailer.Resend(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": id, "mode": "resent"})
}

func (s *Server) listMappings(c *gin.Context) {
	mappings, err := s.store.ListMappings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

type mappingRequest struct {
	Address string `json:"address" binding:"required"`
	User    string `json:"user" binding:"required"`
}

func (s *Server) putMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpsertMapping(c.Request.Context(), req.Address, req.User); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "user": req.User})
}
