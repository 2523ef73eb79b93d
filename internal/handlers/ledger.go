package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
)

// Ledger is the read side of the derived ledger.
type Ledger interface {
	Runs(ctx context.Context, userID, day string) ([]models.DerivedLedgerRun, error)
	Replay(ctx context.Context, userID, day string, sel ledger.Selector) (ledger.View, error)
	Latest(ctx context.Context, userID, day string) (ledger.View, error)
}

// FailureLister lists recorded pipeline failures.
type FailureLister interface {
	ListFailures(ctx context.Context, userID, day string) ([]models.FailureEntry, error)
}

// dayView is the day endpoint response: the latest view plus a top-level count.
type dayView struct {
	ledger.View
	EventsCount int `json:"eventsCount"`
}

// RegisterLedgerRoutes registers the read endpoints under /users/me.
//
// GET /users/me/derived-ledger/runs?day=YYYY-MM-DD
// GET /users/me/derived-ledger/replay?day=YYYY-MM-DD[&runId=...|&asOf=RFC3339]
// GET /users/me/days/:day
// GET /users/me/failures[?day=YYYY-MM-DD]
//
// Replay and day reads accept expectedPipelineVersion; an older run answers 409.
func RegisterLedgerRoutes(r gin.IRoutes, l Ledger, failures FailureLister) {
	r.GET("/users/me/derived-ledger/runs", func(c *gin.Context) {
		runs, err := l.Runs(c.Request.Context(), auth.UserID(c), c.Query("day"))
		if err != nil {
			writeError(c, err)
			return
		}
		if runs == nil {
			runs = []models.DerivedLedgerRun{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	r.GET("/users/me/derived-ledger/replay", func(c *gin.Context) {
		expected, ok := expectedVersion(c)
		if !ok {
			return
		}
		sel := ledger.Selector{RunID: strings.TrimSpace(c.Query("runId"))}
		if s := strings.TrimSpace(c.Query("asOf")); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				badRequest(c, "asOf", "must be RFC3339")
				return
			}
			sel.AsOf = &t
		}

		view, err := l.Replay(c.Request.Context(), auth.UserID(c), c.Query("day"), sel)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := ledger.CheckVersion(view.Run.PipelineVersion, expected); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	r.GET("/users/me/days/:day", func(c *gin.Context) {
		expected, ok := expectedVersion(c)
		if !ok {
			return
		}
		view, err := l.Latest(c.Request.Context(), auth.UserID(c), c.Param("day"))
		if err != nil {
			writeError(c, err)
			return
		}
		if err := ledger.CheckVersion(view.Run.PipelineVersion, expected); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, dayView{View: view, EventsCount: view.DailyFact.EventsCount})
	})

	r.GET("/users/me/failures", func(c *gin.Context) {
		day := c.Query("day")
		if day != "" && !normalize.ValidDay(day) {
			badRequest(c, "day", "expected YYYY-MM-DD")
			return
		}
		list, err := failures.ListFailures(c.Request.Context(), auth.UserID(c), day)
		if err != nil {
			writeError(c, err)
			return
		}
		if list == nil {
			list = []models.FailureEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"failures": list})
	})
}

// expectedVersion reads the optional expectedPipelineVersion query parameter.
// It writes a 400 and returns ok=false when the value is malformed.
func expectedVersion(c *gin.Context) (int, bool) {
	s := strings.TrimSpace(c.Query("expectedPipelineVersion"))
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		badRequest(c, "expectedPipelineVersion", "must be a positive integer")
		return 0, false
	}
	return n, true
}
