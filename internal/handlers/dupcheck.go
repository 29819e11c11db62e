package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/auth"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/config"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/models"
)

// maxBodyBytes caps a dupcheck request body.
const maxBodyBytes = 1 << 20

// DupCheckOptions configures the dupcheck endpoints.
type DupCheckOptions struct {
	Window time.Duration
	// Retention is how long stores keep claims; it bounds how far back ?at=
	// may reach. Zero allows no replay before the current time.
	Retention  time.Duration
	FailPolicy config.FailPolicy
	// Now supplies the reference time for claims; defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// RegisterDupCheckRoutes registers the dedup gate endpoints.
//
// POST /dupcheck
//   - Requires X-API-Key (caller context)
//   - Body is one transaction object, or a one-element array (the shape the
//     pipeline's function invocations deliver)
//   - Responds with the same shape, the result attached under "dupcheck"
//   - 200 for both fresh and duplicate transactions; duplicates are not errors
//   - ?at=<unix seconds> replays a claim at a fixed reference time, limited to
//     [now-(retention-window-grace), now+grace]
//
// GET /dupcheck/:key
//   - Returns the stored claim for a derived key, 404 when absent
func RegisterDupCheckRoutes(r gin.IRoutes, gate *dedup.Gate, opts DupCheckOptions) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FailPolicy == "" {
		opts.FailPolicy = config.FailClosed
	}

	r.POST("/dupcheck", func(c *gin.Context) {
		caller := auth.Caller(c)
		if caller == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		tx, batched, err := decodeTransaction(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := opts.Now()
		if raw := c.Query("at"); raw != "" {
			at, err := replayTime(raw, now, gate, opts)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			now = at
		}

		res, err := gate.Claim(c.Request.Context(), tx, now, opts.Window)
		dc := res.DupCheck()
		switch {
		case err == nil:

		case errors.Is(err, dedup.ErrInvalidRecord):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return

		case errors.Is(err, dedup.ErrStoreUnavailable):
			if opts.FailPolicy != config.FailOpen {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dedup store unavailable"})
				return
			}
			opts.Logger.WarnContext(c.Request.Context(), "admitting transaction without dedup",
				"caller", caller, "request_id", c.GetString(RequestIDKey), "error", err)
			dc.IsDuplicate = false
			dc.Degraded = true

		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dedup failed"})
			return
		}

		opts.Logger.InfoContext(c.Request.Context(), "dupcheck",
			"caller", caller,
			"request_id", c.GetString(RequestIDKey),
			"is_duplicate", dc.IsDuplicate,
			"degraded", dc.Degraded,
			"checked_at", dc.CheckedAt,
		)

		out := tx.WithDupCheck(dc)
		if batched {
			c.JSON(http.StatusOK, []models.Transaction{out})
			return
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/dupcheck/:key", func(c *gin.Context) {
		inspector, ok := gate.Store().(dedup.Inspector)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "store does not support lookups"})
			return
		}

		key := dedup.Key(c.Param("key"))
		rec, found, err := inspector.Lookup(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dedup store unavailable"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no claim for key"})
			return
		}

		cond := gate.Window(opts.Now(), opts.Window)
		c.JSON(http.StatusOK, models.ClaimRecordResponse{
			Key:       string(rec.Key),
			ArrivedAt: rec.ArrivedAt.Unix(),
			Live:      !cond.Stale(rec.ArrivedAt),
		})
	})
}

// replayTime parses ?at= and checks it against the replay range. Stores purge
// and expire claims on the server clock, so an older claim could disappear
// while still live, and a later one would block real claims on its key until
// the server clock caught up.
func replayTime(raw string, now time.Time, gate *dedup.Gate, opts DupCheckOptions) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("at must be unix seconds")
	}

	earliest, latest := replayRange(now, gate, opts.Window, opts.Retention)
	at := time.Unix(secs, 0)
	if at.Before(earliest) || at.After(latest) {
		return time.Time{}, fmt.Errorf("at must be between %d and %d",
			earliest.Add(time.Second-time.Nanosecond).Unix(), latest.Unix())
	}
	return at, nil
}

// replayRange returns the claim times whose records stay in the store for as
// long as they can block a claim. A claim at t is live until t+window, and a
// store holding retention drops it at t+retention.
func replayRange(now time.Time, gate *dedup.Gate, window, retention time.Duration) (time.Time, time.Time) {
	cond := gate.Window(now, window)
	slack := retention - cond.WindowEnd.Sub(cond.WindowStart)
	if slack < 0 {
		slack = 0
	}
	return now.Add(-slack), cond.WindowEnd
}

// decodeTransaction reads either a transaction object or a one-element array.
// Numbers are kept as json.Number so amounts round-trip unchanged.
func decodeTransaction(body io.Reader) (models.Transaction, bool, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, false, errors.New("unable to read body")
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, errors.New("invalid JSON payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if raw[0] == '[' {
		var batch []models.Transaction
		if err := dec.Decode(&batch); err != nil {
			return nil, false, errors.New("invalid JSON payload")
		}
		if !atEOF(dec) {
			return nil, false, errors.New("invalid JSON payload")
		}
		if len(batch) != 1 || batch[0] == nil {
			return nil, false, errors.New("exactly one transaction per request")
		}
		return batch[0], true, nil
	}

	var tx models.Transaction
	if err := dec.Decode(&tx); err != nil || tx == nil || !atEOF(dec) {
		return nil, false, errors.New("invalid JSON payload")
	}
	return tx, false, nil
}

// atEOF reports whether nothing but whitespace follows the decoded value.
func atEOF(dec *json.Decoder) bool {
	_, err := dec.Token()
	return errors.Is(err, io.EOF)
}
